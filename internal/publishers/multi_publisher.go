package publishers

import (
	"github.com/lumberbarons/inverter-monitor/internal/controllers"
)

// MultiPublisher fans every message out to several publishers. Delivery is
// best effort: each publisher logs its own failures and the others still
// receive the message.
type MultiPublisher struct {
	publishers []controllers.MessagePublisher
}

func NewMultiPublisher(publishers []controllers.MessagePublisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(topicSuffix, payload string) {
	for _, publisher := range m.publishers {
		publisher.Publish(topicSuffix, payload)
	}
}

func (m *MultiPublisher) Close() {
	for _, publisher := range m.publishers {
		publisher.Close()
	}
}
