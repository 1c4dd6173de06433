package hass

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/helioshome/wallboxcontroller/telemetry"
)

// Topics names the MQTT topics the bridge exchanges with Home Assistant.
// The reading topics are subscribed to; the state topics are published under
// StatePrefix.
type Topics struct {
	EvSoc       string
	BufferSoc   string
	ForecastKwh string
	Override    string
	StatePrefix string
}

type Config struct {
	Broker   string // host:port
	ClientID string
	Username string
	Password string
	Topics   Topics

	// readings older than this are reported as unavailable
	MaxReadingAge time.Duration
}

// State is the controller-side state published for Home Assistant to display.
type State struct {
	SessionActive  bool
	SessionMode    string
	Priority       string
	PriorityReason string
	Blocked        bool
	BlockReason    string
}

// Bridge connects the controller to Home Assistant over MQTT. Incoming SoC,
// forecast and override values are cached with their arrival time and exposed
// through read accessors; the accessors report unavailable once a value goes
// stale, so a dead integration upstream degrades into the conservative
// defaults instead of freezing the last value forever.
type Bridge struct {
	config Config
	logger *slog.Logger
	client mqtt.Client

	evSoc    telemetry.TimedValue
	buffer   telemetry.TimedValue
	forecast telemetry.TimedValue

	mu       sync.Mutex
	override bool
}

func New(config Config) *Bridge {
	bridge := &Bridge{
		config: config,
		logger: slog.Default().With("component", "hass"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		bridge.logger.Warn("MQTT connection lost", "error", err)
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		bridge.logger.Info("Connected to MQTT broker", "broker", config.Broker)
		bridge.subscribe(client)
	})

	bridge.client = mqtt.NewClient(opts)

	return bridge
}

// Run connects to the broker and holds the connection until the context is
// cancelled. Reconnection is handled by the client itself.
func (b *Bridge) Run(ctx context.Context) {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		b.logger.Error("Failed to connect to MQTT broker", "error", token.Error())
		return
	}

	<-ctx.Done()

	if b.client.IsConnected() {
		b.client.Disconnect(250)
		b.logger.Info("Disconnected from MQTT broker")
	}
}

func (b *Bridge) subscribe(client mqtt.Client) {
	numeric := map[string]*telemetry.TimedValue{
		b.config.Topics.EvSoc:       &b.evSoc,
		b.config.Topics.BufferSoc:   &b.buffer,
		b.config.Topics.ForecastKwh: &b.forecast,
	}

	for topic, value := range numeric {
		value := value
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			payload := string(msg.Payload())
			parsed, ok := parseNumeric(payload)
			if !ok {
				b.logger.Debug("Ignoring non-numeric payload", "topic", msg.Topic(), "payload", payload)
				return
			}
			value.Set(parsed)
		})
		if token.Wait() && token.Error() != nil {
			b.logger.Error("Failed to subscribe", "topic", topic, "error", token.Error())
		}
	}

	token := client.Subscribe(b.config.Topics.Override, 0, func(_ mqtt.Client, msg mqtt.Message) {
		engaged, ok := parseBool(string(msg.Payload()))
		if !ok {
			b.logger.Debug("Ignoring unparseable override payload", "payload", string(msg.Payload()))
			return
		}
		b.mu.Lock()
		b.override = engaged
		b.mu.Unlock()
	})
	if token.Wait() && token.Error() != nil {
		b.logger.Error("Failed to subscribe", "topic", b.config.Topics.Override, "error", token.Error())
	}
}

// EvSoc returns the EV state of charge in percent, false when unavailable.
func (b *Bridge) EvSoc() (float64, bool) {
	return b.evSoc.Fresh(b.config.MaxReadingAge)
}

// BufferSoc returns the house buffer state of charge in percent, false when
// unavailable.
func (b *Bridge) BufferSoc() (float64, bool) {
	return b.buffer.Fresh(b.config.MaxReadingAge)
}

// ForecastKwh returns tomorrow's solar forecast, false when unavailable.
func (b *Bridge) ForecastKwh() (float64, bool) {
	return b.forecast.Fresh(b.config.MaxReadingAge)
}

// OverrideActive reports whether the manual override switch is engaged. The
// override is edge-driven rather than aged: a switch state does not go stale.
func (b *Bridge) OverrideActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.override
}

// PublishState publishes the controller state topics, retained so Home
// Assistant sees the latest values immediately after its own restart.
func (b *Bridge) PublishState(state State) {
	b.publish("session_active", strconv.FormatBool(state.SessionActive))
	b.publish("session_mode", state.SessionMode)
	b.publish("priority", state.Priority)
	b.publish("priority_reason", state.PriorityReason)
	b.publish("blocked", strconv.FormatBool(state.Blocked))
	b.publish("block_reason", state.BlockReason)
}

func (b *Bridge) publish(suffix, payload string) {
	if !b.client.IsConnected() {
		return
	}
	topic := fmt.Sprintf("%s/%s", b.config.Topics.StatePrefix, suffix)
	token := b.client.Publish(topic, 0, true, payload)
	token.Wait()
	if token.Error() != nil {
		b.logger.Error("Failed to publish state", "topic", topic, "error", token.Error())
	}
}

// parseNumeric parses a sensor payload, rejecting the placeholder strings
// Home Assistant publishes for missing entities.
func parseNumeric(payload string) (float64, bool) {
	trimmed := strings.TrimSpace(payload)
	switch strings.ToLower(trimmed) {
	case "", "unavailable", "unknown", "none", "undefined":
		return 0, false
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseBool(payload string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}
