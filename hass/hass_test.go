package hass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantOk  bool
	}{
		{"42.5", 42.5, true},
		{" 80 ", 80, true},
		{"0", 0, true},
		{"unavailable", 0, false},
		{"Unknown", 0, false},
		{"None", 0, false},
		{"undefined", 0, false},
		{"", 0, false},
		{"not-a-number", 0, false},
	}

	for _, test := range tests {
		t.Run(test.payload, func(t *testing.T) {
			got, ok := parseNumeric(test.payload)
			assert.Equal(t, test.wantOk, ok)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
		wantOk  bool
	}{
		{"on", true, true},
		{"ON", true, true},
		{"true", true, true},
		{"1", true, true},
		{"off", false, true},
		{"False", false, true},
		{"0", false, true},
		{"unavailable", false, false},
		{"", false, false},
	}

	for _, test := range tests {
		t.Run(test.payload, func(t *testing.T) {
			got, ok := parseBool(test.payload)
			assert.Equal(t, test.wantOk, ok)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestAccessorsReportUnavailableUntilSet(t *testing.T) {
	bridge := &Bridge{config: Config{MaxReadingAge: 0}}

	_, ok := bridge.EvSoc()
	assert.False(t, ok)
	_, ok = bridge.BufferSoc()
	assert.False(t, ok)
	_, ok = bridge.ForecastKwh()
	assert.False(t, ok)
	assert.False(t, bridge.OverrideActive())
}
