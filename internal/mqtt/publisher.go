package mqtt

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTopicPrefix = "inverter"
	publishTimeout     = 5 * time.Second
)

type Configuration struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Host        string `yaml:"host" toml:"host"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	ClientID    string `yaml:"clientId" toml:"clientId"`
	TopicPrefix string `yaml:"topicPrefix" toml:"topicPrefix"`
	QoS         byte   `yaml:"qos" toml:"qos"`
	// RetainSuffixes lists topic endings published with the retain flag,
	// e.g. "analysis" so late subscribers get the last daily document.
	RetainSuffixes []string `yaml:"retainSuffixes" toml:"retainSuffixes"`
}

type Publisher struct {
	client      mqtt.Client
	config      Configuration
	topicPrefix string
}

// NewPublisher connects to the broker. topicPrefix wins over the configured
// prefix when set.
func NewPublisher(config *Configuration, topicPrefix string) (*Publisher, error) {
	if !config.Enabled {
		log.Info("MQTT publisher disabled via configuration")
		return &Publisher{}, nil
	}

	if config.Host == "" {
		log.Warn("MQTT enabled but no host provided, publisher disabled")
		return &Publisher{}, nil
	}

	mqtt.ERROR = log.StandardLogger()

	clientID := config.ClientID
	if clientID == "" {
		clientID = "inverter-monitor-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Host).
		SetClientID(clientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("lost connection to broker: %s", err)
		})

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", token.Error())
	}

	log.Infof("connected to broker %s as %s", config.Host, clientID)

	return newPublisher(client, *config, topicPrefix), nil
}

func newPublisher(client mqtt.Client, config Configuration, topicPrefix string) *Publisher {
	if topicPrefix == "" {
		topicPrefix = config.TopicPrefix
	}
	if topicPrefix == "" {
		topicPrefix = defaultTopicPrefix
	}
	return &Publisher{client: client, config: config, topicPrefix: topicPrefix}
}

func (p *Publisher) retained(topicSuffix string) bool {
	for _, s := range p.config.RetainSuffixes {
		if s != "" && strings.HasSuffix(topicSuffix, s) {
			return true
		}
	}
	return false
}

func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.client == nil {
		return
	}

	topic := fmt.Sprintf("%s/%s", p.topicPrefix, topicSuffix)

	log.Debugf("publishing to %s", topic)

	token := p.client.Publish(topic, p.config.QoS, p.retained(topicSuffix), payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Errorf("timeout waiting for publish to %s", topic)
	} else if token.Error() != nil {
		log.Errorf("failed to publish to %s: %s", topic, token.Error())
	}
}

func (p *Publisher) Close() {
	if p.client == nil {
		return
	}
	p.client.Disconnect(250)
}
