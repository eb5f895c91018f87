// Package live streams each new monitor snapshot to websocket clients.
package live

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	sendBuffer   = 8
	writeTimeout = 5 * time.Second
	pingPeriod   = 30 * time.Second
	pongWait     = 2 * pingPeriod
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub keeps the connected clients. A client that cannot keep up with the
// broadcast rate is dropped rather than slowing down the sender.
type Hub struct {
	latest func() []byte

	mu      sync.RWMutex
	clients map[*client]struct{}
	gauge   prometheus.Gauge
}

// NewHub creates a hub. latest, when not nil, provides the document sent to
// a client as soon as it connects.
func NewHub(reg prometheus.Registerer, latest func() []byte) *Hub {
	return &Hub{
		latest:  latest,
		clients: make(map[*client]struct{}),
		gauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "live",
			Name:      "clients",
			Help:      "Number of connected websocket clients.",
		}),
	}
}

// Broadcast queues payload for every client.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn("dropping slow live client")
		h.remove(c)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.gauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.gauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) RegisterEndpoints(r *gin.Engine) {
	r.GET("/api/live", h.Serve())
}

func (h *Hub) Enabled() bool {
	return true
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.gauge.Set(0)
	return nil
}

// Serve upgrades the request and streams snapshots until the client goes away.
func (h *Hub) Serve() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			log.Warnf("websocket upgrade failed: %s", err)
			return
		}

		c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
		if h.latest != nil {
			if doc := h.latest(); doc != nil {
				c.send <- doc
			}
		}
		h.add(c)
		log.Debugf("live client connected from %s", conn.RemoteAddr())

		go h.writeLoop(c)
		h.readLoop(c)
	}
}

// readLoop discards client messages and returns when the connection fails.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("live client %s: %s", c.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
