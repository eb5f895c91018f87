package publishers

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/lumberbarons/inverter-monitor/internal/config"
	"github.com/lumberbarons/inverter-monitor/internal/controllers"
	"github.com/lumberbarons/inverter-monitor/internal/file"
	"github.com/lumberbarons/inverter-monitor/internal/kafka"
	"github.com/lumberbarons/inverter-monitor/internal/mqtt"
	"github.com/lumberbarons/inverter-monitor/internal/remotewrite"
	"github.com/lumberbarons/inverter-monitor/internal/sns"
	"github.com/lumberbarons/inverter-monitor/internal/solace"
)

// NewPublisher builds the telemetry publisher: at most one broker publisher
// (MQTT, Solace, Kafka or File) fanned out together with the remote write
// publisher when that is enabled. With nothing enabled it returns a
// NoOpPublisher.
func NewPublisher(cfg *config.InverterMonitorConfiguration) (controllers.MessagePublisher, error) {
	broker, err := newBrokerPublisher(cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.RemoteWrite.Enabled {
		return broker, nil
	}

	rw, err := remotewrite.NewPublisher(&cfg.RemoteWrite, cfg.DeviceID)
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("failed to create remote write publisher: %w", err)
	}

	if _, ok := broker.(*NoOpPublisher); ok {
		return rw, nil
	}
	return NewMultiPublisher([]controllers.MessagePublisher{broker, rw}), nil
}

func newBrokerPublisher(cfg *config.InverterMonitorConfiguration) (controllers.MessagePublisher, error) {
	enabledCount := 0
	for _, enabled := range []bool{cfg.Mqtt.Enabled, cfg.Solace.Enabled, cfg.Kafka.Enabled, cfg.File.Enabled} {
		if enabled {
			enabledCount++
		}
	}
	if enabledCount > 1 {
		return nil, fmt.Errorf("multiple publishers are enabled - only one publisher can be active")
	}

	switch {
	case cfg.Mqtt.Enabled:
		log.Info("Creating MQTT publisher")
		return mqtt.NewPublisher(&cfg.Mqtt, cfg.TopicPrefix)
	case cfg.Solace.Enabled:
		log.Info("Creating Solace publisher")
		return solace.NewPublisher(&cfg.Solace, cfg.TopicPrefix)
	case cfg.Kafka.Enabled:
		log.Info("Creating Kafka publisher")
		return kafka.NewPublisher(&cfg.Kafka, cfg.TopicPrefix)
	case cfg.File.Enabled:
		log.Info("Creating File publisher")
		return file.NewPublisher(&cfg.File, cfg.TopicPrefix)
	}

	log.Info("No message publisher enabled")
	return &NoOpPublisher{}, nil
}

// NewAlertPublisher returns the SNS notifier for alerts, or a NoOpPublisher
// when SNS is disabled.
func NewAlertPublisher(cfg *config.InverterMonitorConfiguration) (controllers.MessagePublisher, error) {
	if !cfg.SNS.Enabled {
		return &NoOpPublisher{}, nil
	}
	log.Info("Creating SNS alert publisher")
	return sns.NewPublisher(&cfg.SNS, cfg.TopicPrefix)
}

// NoOpPublisher drops every message.
type NoOpPublisher struct{}

func (n *NoOpPublisher) Publish(_, _ string) {}

func (n *NoOpPublisher) Close() {}
