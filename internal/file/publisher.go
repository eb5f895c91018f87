package file

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 10
)

type Configuration struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Filename   string `yaml:"filename" toml:"filename"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Publisher appends one JSON line per message to a rotated file.
type Publisher struct {
	mu          sync.Mutex
	logger      *lumberjack.Logger
	topicPrefix string
	now         func() time.Time
}

type entry struct {
	Timestamp string          `json:"timestamp"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
}

func NewPublisher(config *Configuration, topicPrefix string) (*Publisher, error) {
	if !config.Enabled {
		log.Info("file publisher disabled via configuration")
		return &Publisher{}, nil
	}

	if config.Filename == "" {
		log.Warn("file publisher enabled but no filename provided, publisher disabled")
		return &Publisher{}, nil
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	logger := &lumberjack.Logger{
		Filename:   config.Filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
		LocalTime:  true,
	}

	log.Infof("file publisher writing to %s (maxSize %dMB, maxBackups %d, compress %t)",
		config.Filename, maxSize, maxBackups, config.Compress)

	return &Publisher{logger: logger, topicPrefix: topicPrefix, now: time.Now}, nil
}

// Publish writes the payload as is when it is JSON, otherwise as a JSON string.
func (p *Publisher) Publish(topicSuffix, payload string) {
	if p.logger == nil {
		return
	}

	raw := json.RawMessage(payload)
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(payload)
		raw = quoted
	}

	line, err := json.Marshal(entry{
		Timestamp: p.now().Format(time.RFC3339),
		Topic:     fmt.Sprintf("%s/%s", p.topicPrefix, topicSuffix),
		Payload:   raw,
	})
	if err != nil {
		log.Errorf("failed to encode message for %s: %v", topicSuffix, err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.logger.Write(append(line, '\n')); err != nil {
		log.Errorf("failed to write to %s: %v", p.logger.Filename, err)
	}
}

func (p *Publisher) Close() {
	if p.logger == nil {
		return
	}
	if err := p.logger.Close(); err != nil {
		log.Errorf("failed to close %s: %v", p.logger.Filename, err)
	}
}
