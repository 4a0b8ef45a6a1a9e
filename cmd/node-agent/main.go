package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/agent"
	"github.com/lorawan-node/lorawan-node-agent/internal/api"
	"github.com/lorawan-node/lorawan-node-agent/internal/config"
	"github.com/lorawan-node/lorawan-node-agent/internal/integration"
	"github.com/lorawan-node/lorawan-node-agent/internal/mac"
	"github.com/lorawan-node/lorawan-node-agent/internal/network"
	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
	"github.com/lorawan-node/lorawan-node-agent/internal/storage"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/agent.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	devEUI, err := cfg.DevEUI()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid DevEUI in configuration")
	}

	// Optional database
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()

		if err := pg.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		store = pg
		log.Info().Msg("Connected to database")
	} else {
		log.Info().Msg("Database not configured, history disabled")
	}

	// Optional NATS
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Agent.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	}

	// Build the simulated radio link and the MAC
	m := buildMAC(cfg, devEUI)
	if err := m.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start MAC")
	}
	defer m.Stop()

	// Forwarder
	fwd := integration.NewForwarder(nc, store, devEUI)
	if cfg.MQTT.Broker != "" {
		if err := fwd.ConnectMQTT(&cfg.MQTT); err != nil {
			log.Warn().Err(err).Msg("Failed to connect MQTT, continuing without MQTT support")
		}
	}
	defer fwd.Close()

	// Agent
	a := agent.New(cfg, m, fwd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Agent loop stopped")
		}
	}()

	// Join the network before serving traffic
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.JoinWithRetry(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Join failed")
			}
			return
		}
		log.Info().Str("devAddr", a.Status().DevAddr).Msg("Device joined")
	}()

	// Optional REST API
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, a, store)
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("REST API server failed")
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
	}

	wg.Wait()

	log.Info().Msg("Node agent stopped")
}

// buildMAC wires the MAC to the in-process network emulator over the
// simulated radio and applies the configured device parameters.
func buildMAC(cfg *config.Config, devEUI lorawan.EUI64) *mac.MAC {
	driver := radio.NewSimDriver()

	appKey, _ := cfg.AppKey()
	emu := network.NewEmulator(driver, appKey)
	if cfg.Simulation.RX1Delay > 0 {
		emu.SetRX1Delay(cfg.Simulation.RX1Delay)
	}
	emu.SetLinkCheckAnswer(cfg.Simulation.LinkCheckMargin, cfg.Simulation.LinkCheckGWs)

	sim := stack.NewSimulator(driver)
	if cfg.Simulation.RXWindowSpan > 0 {
		sim.SetRxWindowSpan(cfg.Simulation.RXWindowSpan)
	}
	if cfg.Simulation.DutyCycle != nil {
		sim.SetDutyCycle(*cfg.Simulation.DutyCycle)
	}

	m := mac.New(driver, sim, lorawan.GetRegionConfiguration(cfg.MAC.Region))

	m.SetDevEUI(devEUI)
	if joinEUI, err := cfg.JoinEUI(); err == nil {
		m.SetJoinEUI(joinEUI)
	}
	m.SetAppKey(appKey)

	if cfg.Device.Activation == "ABP" {
		devAddr, _ := cfg.DevAddr()
		nwkSKey, _ := cfg.NwkSKey()
		appSKey, _ := cfg.AppSKey()
		m.SetDevAddr(devAddr)
		m.SetNwkSKey(nwkSKey)
		m.SetAppSKey(appSKey)
		emu.ProvisionABP(devEUI, devAddr, nwkSKey, appSKey)
	}

	m.SetDatarate(cfg.MAC.DataRate)
	m.SetADR(cfg.MAC.ADR)
	if cfg.MAC.PublicNetwork != nil {
		m.SetPublicNetwork(*cfg.MAC.PublicNetwork)
	}
	m.SetClass(parseClass(cfg.MAC.Class))
	m.SetPort(cfg.MAC.Port)
	if cfg.MAC.Confirmed {
		m.SetTxMode(mac.TxConfirmed)
	}
	m.SetRetries(cfg.MAC.Retries)

	return m
}

func parseClass(s string) stack.DeviceClass {
	switch s {
	case "B":
		return stack.ClassB
	case "C":
		return stack.ClassC
	default:
		return stack.ClassA
	}
}
