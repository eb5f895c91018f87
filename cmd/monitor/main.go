package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lumberbarons/inverter-monitor/internal/app"
	"github.com/lumberbarons/inverter-monitor/internal/config"
	"github.com/lumberbarons/inverter-monitor/internal/publishers"
)

var (
	configFilePath *string
	debugMode      *bool
)

func init() {
	configFilePath = flag.String("config", "", "Config file path (.yaml or .toml)")
	debugMode = flag.Bool("debug", false, "Debug mode")

	log.SetFormatter(&log.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
}

func main() {
	log.Info("starting inverter-monitor")

	flag.Parse()

	if *configFilePath == "" {
		log.Fatalf("Must specify config file path")
	}

	cfg, err := config.LoadFile(*configFilePath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	monitorConfig := &cfg.InverterMonitor

	if *debugMode || monitorConfig.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if lf := monitorConfig.LogFile; lf.Enabled {
		rotated := &lumberjack.Logger{
			Filename:   lf.Filename,
			MaxSize:    lf.MaxSizeMB,
			MaxBackups: lf.MaxBackups,
			MaxAge:     lf.MaxAgeDays,
			Compress:   lf.Compress,
			LocalTime:  true,
		}
		defer rotated.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rotated))
		log.Infof("logging to %s", lf.Filename)
	}

	publisher, err := publishers.NewPublisher(monitorConfig)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	alerts, err := publishers.NewAlertPublisher(monitorConfig)
	if err != nil {
		publisher.Close()
		log.Fatalf("failed to create alert publisher: %v", err)
	}

	application, err := app.NewApplication(monitorConfig, publisher, alerts)
	if err != nil {
		publisher.Close()
		alerts.Close()
		log.Fatalf("failed to create application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)

	if err := application.Close(); err != nil {
		log.Errorf("failed to close application: %v", err)
	}

	if runErr != nil {
		log.Fatalf("server stopped: %v", runErr)
	}
	log.Info("inverter-monitor stopped")
}
