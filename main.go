package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/helioshome/wallboxcontroller/charger"
	"github.com/helioshome/wallboxcontroller/config"
	"github.com/helioshome/wallboxcontroller/dataplatform"
	"github.com/helioshome/wallboxcontroller/hass"
	"github.com/helioshome/wallboxcontroller/nightcharge"
	"github.com/helioshome/wallboxcontroller/nightguard"
	"github.com/helioshome/wallboxcontroller/priority"
	"github.com/helioshome/wallboxcontroller/sitemeter"
	"github.com/helioshome/wallboxcontroller/surplus"
	"github.com/helioshome/wallboxcontroller/telemetry"
	timeutils "github.com/helioshome/wallboxcontroller/time_utils"
	"github.com/helioshome/wallboxcontroller/wallbox"
)

// productionCache holds the latest solar production reading for the guard.
type productionCache struct {
	value  telemetry.TimedValue
	maxAge time.Duration
}

func (p *productionCache) Production() (float64, bool) {
	return p.value.Fresh(p.maxAge)
}

func main() {

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	slog.Info("Starting wallbox controller...")

	configPath := flag.String("config", "config.json", "path to the configuration file")
	flag.Parse()

	// secrets (MQTT_PASSWORD, SUPABASE_KEY) come from the environment
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Read(*configPath)
	if err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	location, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		slog.Error("Failed to load time location", "error", err)
		os.Exit(1)
	}

	solar, err := timeutils.NewSolarCalculator(cfg.Location.Latitude, cfg.Location.Longitude, location)
	if err != nil {
		slog.Error("Failed to create solar calculator", "error", err)
		os.Exit(1)
	}
	windows := timeutils.NewNightWindows(solar, location)

	ctx, cancel := context.WithCancel(context.Background())

	// The wallbox and site meter can each be swapped for an emulated device,
	// useful when developing without hardware on the bench.
	var wallboxActuator charger.Actuator
	var wallboxTelemetry chan telemetry.ChargerReading
	wallboxPollInterval := time.Duration(cfg.Wallbox.PollIntervalSecs) * time.Second
	if cfg.Emulation.WallboxIsEmulated {
		mock := wallbox.NewMock(cfg.Wallbox.ID)
		wallboxActuator = mock
		wallboxTelemetry = mock.Telemetry
		go mock.Run(ctx, wallboxPollInterval)
	} else {
		device, err := wallbox.New(cfg.Wallbox.ID, cfg.Wallbox.Host)
		if err != nil {
			slog.Error("Failed to create wallbox", "error", err)
			os.Exit(1)
		}
		wallboxActuator = device
		wallboxTelemetry = device.Telemetry
		go device.Run(ctx, wallboxPollInterval)
	}

	var meterTelemetry chan telemetry.MeterReading
	meterPollInterval := time.Duration(cfg.SiteMeter.PollIntervalSecs) * time.Second
	if cfg.Emulation.SiteMeterIsEmulated {
		mock := sitemeter.NewMock(cfg.SiteMeter.ID)
		meterTelemetry = mock.Telemetry
		go mock.Run(ctx, meterPollInterval)
	} else {
		meter, err := sitemeter.New(cfg.SiteMeter.ID, cfg.SiteMeter.Host)
		if err != nil {
			slog.Error("Failed to create site meter", "error", err)
			os.Exit(1)
		}
		meterTelemetry = meter.Telemetry
		go meter.Run(ctx, meterPollInterval)
	}

	dataPlatform, err := dataplatform.New(
		cfg.DataPlatform.Supabase.Url,
		os.Getenv("SUPABASE_KEY"),
		cfg.DataPlatform.Supabase.Schema,
		cfg.DataPlatform.JournalPath,
		time.Duration(cfg.DataPlatform.UploadIntervalSecs)*time.Second,
	)
	if err != nil {
		slog.Error("Failed to create data platform", "error", err)
		os.Exit(1)
	}
	go dataPlatform.Run(ctx)

	chargerController := charger.New(charger.Config{
		Actuator:               wallboxActuator,
		MinInterval:            time.Duration(cfg.Wallbox.MinCommandIntervalSecs) * time.Second,
		DecreaseWait:           time.Duration(cfg.Wallbox.DecreaseWaitSecs) * time.Second,
		StabilizeWait:          time.Duration(cfg.Wallbox.StabilizeWaitSecs) * time.Second,
		IncreaseStabilityDelay: time.Duration(cfg.Wallbox.IncreaseStabilityDelaySecs) * time.Second,
	})
	go chargerController.Run(ctx)

	bridge := hass.New(hass.Config{
		Broker:   cfg.Mqtt.Broker,
		ClientID: cfg.Mqtt.ClientID,
		Username: cfg.Mqtt.Username,
		Password: os.Getenv("MQTT_PASSWORD"),
		Topics: hass.Topics{
			EvSoc:       cfg.Mqtt.Topics.EvSoc,
			BufferSoc:   cfg.Mqtt.Topics.BufferSoc,
			ForecastKwh: cfg.Mqtt.Topics.ForecastKwh,
			Override:    cfg.Mqtt.Topics.Override,
			StatePrefix: cfg.Mqtt.Topics.StatePrefix,
		},
		// SoC and forecast sensors update every few minutes at most
		MaxReadingAge: 15 * time.Minute,
	})
	go bridge.Run(ctx)

	arbiter := priority.NewArbiter(bridge, cfg.Targets.Ev, cfg.Targets.Buffer)

	scheduler := nightcharge.New(nightcharge.Config{
		Enabled:              cfg.NightCharge.Enabled,
		Scheduled:            cfg.NightCharge.ScheduledTime.ToClockTime(location),
		ChargeAmps:           cfg.NightCharge.ChargeAmps,
		ForecastThresholdKwh: cfg.NightCharge.ForecastThresholdKwh,
		BatteryAssistEnabled: cfg.NightCharge.BatteryAssistEnabled,
		BufferFloorPercent:   cfg.NightCharge.BufferFloorPercent,
		EvTargets:            cfg.Targets.Ev,
		CarReady:             cfg.NightCharge.CarReady,
		CarReadyDeadline:     cfg.NightCharge.CarReadyDeadline.ToClockTime(location),
		Cooldown:             time.Duration(cfg.NightCharge.CooldownMins) * time.Minute,
		MonitorInterval:      time.Duration(cfg.NightCharge.MonitorIntervalSecs) * time.Second,
		ConfirmGrace:         time.Duration(cfg.Guard.ConfirmGraceSecs) * time.Second,
		Windows:              windows,
		Charger:              chargerController,
		Inputs:               bridge,
		Journal:              dataPlatform,
	})
	go scheduler.Run(ctx)

	production := &productionCache{maxAge: time.Duration(cfg.Guard.MaxReadingAgeSecs) * time.Second}

	guard := nightguard.New(nightguard.Config{
		Enabled:            cfg.Guard.Enabled,
		MinProductionWatts: cfg.Guard.MinProductionWatts,
		Suppression:        time.Duration(cfg.Guard.SuppressionMins) * time.Minute,
		ConfirmGrace:       time.Duration(cfg.Guard.ConfirmGraceSecs) * time.Second,
		NightChargeEnabled: cfg.NightCharge.Enabled,
		Scheduled:          cfg.NightCharge.ScheduledTime.ToClockTime(location),
		Windows:            windows,
		Scheduler:          scheduler,
		Charger:            chargerController,
		Override:           bridge,
		Production:         production,
		Journal:            dataPlatform,
	})
	go guard.Run(ctx)

	surplusController := surplus.New(surplus.Config{
		Interval:             time.Duration(cfg.Surplus.IntervalSecs) * time.Second,
		AllowedAmps:          cfg.Wallbox.AllowedAmps,
		MinStartSurplusWatts: cfg.Surplus.MinStartSurplusWatts,
		Voltage:              cfg.Surplus.Voltage,
		Phases:               cfg.Surplus.Phases,
		MaxReadingAge:        time.Duration(cfg.Surplus.MaxReadingAgeSecs) * time.Second,
		Arbiter:              arbiter,
		Scheduler:            scheduler,
		Charger:              chargerController,
	})
	go surplusController.Run(ctx)

	// the wallbox and meter readings fan out to every consumer; the two
	// streams are forwarded independently so a consumer stalling on one
	// cannot hold up the other
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case reading := <-wallboxTelemetry:
				dataPlatform.ChargerReadings <- reading
				scheduler.StatusChanges <- reading
				guard.StatusChanges <- reading
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case reading := <-meterTelemetry:
				dataPlatform.MeterReadings <- reading
				surplusController.MeterReadings <- reading
				production.value.Set(reading.PvProduction)
			}
		}
	}()

	// publish the controller state for Home Assistant
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := arbiter.Calculate(time.Now())
				decision := guard.LastDecision()
				bridge.PublishState(hass.State{
					SessionActive:  scheduler.Active(),
					SessionMode:    string(scheduler.Mode()),
					Priority:       string(result.State),
					PriorityReason: result.Reason,
					Blocked:        decision.Blocked,
					BlockReason:    decision.Reason,
				})
			}
		}
	}()

	// wait for a ctrl-c interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	// cancel any open go-routines and give them up to 100ms to gracefully shutdown
	cancel()
	time.Sleep(time.Millisecond * 100)

	slog.Info("Exiting")
	os.Exit(0)
}
