package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/can"
	_ "github.com/samsamfire/godcm/pkg/can/socketcan"
	_ "github.com/samsamfire/godcm/pkg/can/socketcanraw"
	_ "github.com/samsamfire/godcm/pkg/can/virtual"
	"github.com/samsamfire/godcm/pkg/config"
	"github.com/samsamfire/godcm/pkg/engine"
	"github.com/samsamfire/godcm/pkg/gateway/http"
	"github.com/samsamfire/godcm/pkg/service"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_VIN = "GODCM000000000001"

func main() {
	// Command line arguments
	configPath := flag.String("c", "", "configuration file (.ini, .yaml)")
	canInterface := flag.String("i", "", "can interface type e.g. socketcan, socketcanraw, virtualcan")
	channel := flag.String("ch", "", "can channel e.g. can0, localhost:18888")
	logLevel := flag.String("loglevel", "", "log level, overrides the configuration")
	httpAddr := flag.String("http", "", "serve the diagnostic gateway on this address e.g. :8090")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration %v : %v", *configPath, err)
		}
		cfg = loaded
	}
	if *canInterface != "" {
		cfg.General.Interface = *canInterface
	}
	if *channel != "" {
		cfg.General.Channel = *channel
	}
	if *logLevel != "" {
		cfg.General.LogLevel = *logLevel
	}
	level, err := log.ParseLevel(cfg.General.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level : %v", err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := can.NewBus(cfg.General.Interface, cfg.General.Channel)
	if err != nil {
		log.Fatalf("available interfaces are %v : %v", can.Interfaces(), err)
	}
	err = retry.Do(
		func() error { return bus.Connect() },
		retry.Context(ctx),
		retry.Attempts(cfg.General.ConnectRetries+1),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("[CAN] connection attempt %v to %v failed : %v", n+1, cfg.General.Channel, err)
		}),
	)
	if err != nil {
		log.Fatalf("failed to connect to %v %v : %v", cfg.General.Interface, cfg.General.Channel, err)
	}
	defer bus.Disconnect()

	e, err := engine.New(cfg, bus, nil)
	if err != nil {
		log.Fatalf("failed to create engine : %v", err)
	}
	server := e.Server()
	server.SetDID(0xF190, []byte(DEFAULT_VIN))
	server.AddRoutine(0xFF00, service.Routine{Polls: 20, Result: []byte{0x00}})
	// No real reset here, the engine restarts accepting requests right away
	server.OnReset(func(resetType byte) {
		log.Infof("ecu reset %x requested", resetType)
		e.Supervisor().DisinhibitRequestProcessing()
	})

	if *httpAddr != "" {
		gw := http.NewGatewayServer(e, dcm.ProtocolID(cfg.Protocols[0].ID), nil)
		go func() {
			if err := gw.ListenAndServe(ctx, *httpAddr); err != nil {
				log.Errorf("gateway stopped : %v", err)
			}
		}()
	}

	err = e.Run(ctx)
	if errors.Is(err, dcm.ErrContractViolation) {
		log.Fatalf("engine stopped : %v", err)
	}
	if err != nil {
		log.Errorf("engine stopped : %v", err)
		return
	}
	log.Info("engine stopped")
}
