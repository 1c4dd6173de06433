package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	timeutils "github.com/helioshome/wallboxcontroller/time_utils"
)

// ClockTimeConfig is the JSON representation of a local time of day.
type ClockTimeConfig struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ToClockTime attaches the site's timezone to the configured time of day.
func (c ClockTimeConfig) ToClockTime(location *time.Location) timeutils.ClockTime {
	return timeutils.ClockTime{
		Hour:     c.Hour,
		Minute:   c.Minute,
		Location: location,
	}
}

type LocationConfig struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

type DeviceConfig struct {
	Host             string    `json:"host"`
	ID               uuid.UUID `json:"id"`
	PollIntervalSecs int       `json:"pollIntervalSecs"`
}

type WallboxConfig struct {
	DeviceConfig
	// AllowedAmps is the fixed discrete set of current levels the wallbox may
	// be commanded to; the controller never interpolates between them.
	AllowedAmps []int `json:"allowedAmps"`

	MinCommandIntervalSecs     int `json:"minCommandIntervalSecs"`
	DecreaseWaitSecs           int `json:"decreaseWaitSecs"`
	StabilizeWaitSecs          int `json:"stabilizeWaitSecs"`
	IncreaseStabilityDelaySecs int `json:"increaseStabilityDelaySecs"`
}

type SiteMeterConfig struct {
	DeviceConfig
}

type MqttTopicsConfig struct {
	EvSoc       string `json:"evSoc"`
	BufferSoc   string `json:"bufferSoc"`
	ForecastKwh string `json:"forecastKwh"`
	Override    string `json:"override"`
	StatePrefix string `json:"statePrefix"`
}

type MqttConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	// password is specified via env var
	Topics MqttTopicsConfig `json:"topics"`
}

type NightChargeConfig struct {
	Enabled              bool            `json:"enabled"`
	ScheduledTime        ClockTimeConfig `json:"scheduledTime"`
	ChargeAmps           int             `json:"chargeAmps"`
	ForecastThresholdKwh float64         `json:"forecastThresholdKwh"`
	BatteryAssistEnabled bool            `json:"batteryAssistEnabled"`
	BufferFloorPercent   float64         `json:"bufferFloorPercent"`
	CooldownMins         int             `json:"cooldownMins"`
	MonitorIntervalSecs  int             `json:"monitorIntervalSecs"`

	// CarReady is indexed Monday=0..Sunday=6 and applies to the *morning* of
	// the given weekday: when true the session may run past sunrise until the
	// deadline.
	CarReady         [7]bool         `json:"carReady"`
	CarReadyDeadline ClockTimeConfig `json:"carReadyDeadline"`
}

type GuardConfig struct {
	Enabled            bool    `json:"enabled"`
	MinProductionWatts float64 `json:"minProductionWatts"`
	SuppressionMins    int     `json:"suppressionMins"`
	ConfirmGraceSecs   int     `json:"confirmGraceSecs"`
	MaxReadingAgeSecs  int     `json:"maxReadingAgeSecs"`
}

type SurplusConfig struct {
	IntervalSecs         int     `json:"intervalSecs"`
	MinStartSurplusWatts float64 `json:"minStartSurplusWatts"`
	Voltage              float64 `json:"voltage"`
	Phases               int     `json:"phases"`
	MaxReadingAgeSecs    int     `json:"maxReadingAgeSecs"`
}

type TargetsConfig struct {
	// Target SoC percentages indexed Monday=0..Sunday=6.
	Ev     [7]float64 `json:"ev"`
	Buffer [7]float64 `json:"buffer"`
}

type SupabaseConfig struct {
	Url string `json:"url"`
	// key is specified via env var
	Schema string `json:"schema"`
}

type DataPlatformConfig struct {
	UploadIntervalSecs int            `json:"uploadIntervalSecs"`
	JournalPath        string         `json:"journalPath"`
	Supabase           SupabaseConfig `json:"supabase"`
}

type EmulationConfig struct {
	WallboxIsEmulated   bool `json:"wallboxIsEmulated"`
	SiteMeterIsEmulated bool `json:"siteMeterIsEmulated"`
}

type Config struct {
	Location     LocationConfig     `json:"location"`
	Wallbox      WallboxConfig      `json:"wallbox"`
	SiteMeter    SiteMeterConfig    `json:"siteMeter"`
	Mqtt         MqttConfig         `json:"mqtt"`
	NightCharge  NightChargeConfig  `json:"nightCharge"`
	Guard        GuardConfig        `json:"guard"`
	Surplus      SurplusConfig      `json:"surplus"`
	Targets      TargetsConfig      `json:"targets"`
	DataPlatform DataPlatformConfig `json:"dataPlatform"`
	Emulation    EmulationConfig    `json:"emulation"`
}

func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = json.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	config.applyDefaults()

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.NightCharge.MonitorIntervalSecs == 0 {
		c.NightCharge.MonitorIntervalSecs = 15
	}
	if c.Surplus.IntervalSecs == 0 {
		c.Surplus.IntervalSecs = 30
	}
	if c.Surplus.Voltage == 0 {
		c.Surplus.Voltage = 230
	}
	if c.Surplus.Phases == 0 {
		c.Surplus.Phases = 1
	}
	if c.Surplus.MaxReadingAgeSecs == 0 {
		c.Surplus.MaxReadingAgeSecs = 120
	}
	if c.Guard.MaxReadingAgeSecs == 0 {
		c.Guard.MaxReadingAgeSecs = 300
	}
	if c.Guard.ConfirmGraceSecs == 0 {
		c.Guard.ConfirmGraceSecs = 90
	}
	if c.DataPlatform.UploadIntervalSecs == 0 {
		c.DataPlatform.UploadIntervalSecs = 60
	}
}

// Validate checks for configuration errors that must be fatal at startup.
// A controller running with an impossible window or an empty amp table would
// fail in ways that look like control bugs, so these are never ignored.
func (c *Config) Validate() error {
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		return fmt.Errorf("location latitude %f out of range", c.Location.Latitude)
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		return fmt.Errorf("location longitude %f out of range", c.Location.Longitude)
	}
	if _, err := time.LoadLocation(c.Location.Timezone); err != nil {
		return fmt.Errorf("load timezone %q: %w", c.Location.Timezone, err)
	}

	if len(c.Wallbox.AllowedAmps) == 0 {
		return fmt.Errorf("no allowed current levels configured")
	}
	if !sort.IntsAreSorted(c.Wallbox.AllowedAmps) {
		return fmt.Errorf("allowed current levels must be ascending: %v", c.Wallbox.AllowedAmps)
	}
	for _, amps := range c.Wallbox.AllowedAmps {
		if amps <= 0 {
			return fmt.Errorf("allowed current level %d must be positive", amps)
		}
	}
	if c.Wallbox.MinCommandIntervalSecs <= 0 {
		return fmt.Errorf("minCommandIntervalSecs must be positive")
	}

	if c.NightCharge.ChargeAmps == 0 {
		return fmt.Errorf("nightCharge.chargeAmps must be configured")
	}
	if err := validateClockTime(c.NightCharge.ScheduledTime); err != nil {
		return fmt.Errorf("nightCharge.scheduledTime: %w", err)
	}
	if err := validateClockTime(c.NightCharge.CarReadyDeadline); err != nil {
		return fmt.Errorf("nightCharge.carReadyDeadline: %w", err)
	}
	// Incident history: a 60s monitor loop misses a fast-draining buffer.
	if c.NightCharge.MonitorIntervalSecs < 1 || c.NightCharge.MonitorIntervalSecs > 30 {
		return fmt.Errorf("nightCharge.monitorIntervalSecs %d outside 1..30", c.NightCharge.MonitorIntervalSecs)
	}
	if c.NightCharge.BufferFloorPercent < 0 || c.NightCharge.BufferFloorPercent > 100 {
		return fmt.Errorf("nightCharge.bufferFloorPercent %f outside 0..100", c.NightCharge.BufferFloorPercent)
	}

	for i, target := range c.Targets.Ev {
		if target < 0 || target > 100 {
			return fmt.Errorf("targets.ev[%d] %f outside 0..100", i, target)
		}
	}
	for i, target := range c.Targets.Buffer {
		if target < 0 || target > 100 {
			return fmt.Errorf("targets.buffer[%d] %f outside 0..100", i, target)
		}
	}

	return nil
}

func validateClockTime(c ClockTimeConfig) error {
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("hour %d outside 0..23", c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("minute %d outside 0..59", c.Minute)
	}
	return nil
}
