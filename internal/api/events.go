package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/notification"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
	eventBufferSize = 16
)

// EventHub pushes fired alerts to websocket subscribers. It is registered
// with the dispatcher like any other alerter.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (ec *eventClient) close() {
	ec.once.Do(func() { close(ec.send) })
}

type regionMessage struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Area   float64 `json:"area"`
}

type eventMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Time     time.Time       `json:"time"`
	System   string          `json:"system"`
	Area     float64         `json:"area"`
	Regions  []regionMessage `json:"regions"`
	Snapshot []byte          `json:"snapshot,omitempty"`
}

func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.L()
	}
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger.Named("events"),
		clients: make(map[*eventClient]struct{}),
	}
}

func (h *EventHub) Name() string { return "websocket" }

// Alert broadcasts ev. Subscribers whose buffer is full are disconnected.
func (h *EventHub) Alert(_ context.Context, ev notification.Event) error {
	msg := eventMessage{
		Type:     "motion",
		ID:       ev.ID,
		Time:     ev.Time,
		System:   ev.SystemName,
		Area:     ev.Area,
		Regions:  make([]regionMessage, 0, len(ev.Regions)),
		Snapshot: ev.Snapshot,
	}
	for _, r := range ev.Regions {
		msg.Regions = append(msg.Regions, regionMessage{
			X:      r.Bounds.Min.X,
			Y:      r.Bounds.Min.Y,
			Width:  r.Bounds.Dx(),
			Height: r.Bounds.Dy(),
			Area:   r.Area,
		})
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ec := range h.clients {
		select {
		case ec.send <- payload:
		default:
			h.logger.Warn("Event subscriber too slow, disconnecting", zap.String("client_id", ec.id))
			delete(h.clients, ec)
			ec.close()
		}
	}
	return nil
}

// ServeWS upgrades the request and streams events until either side hangs up.
func (h *EventHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	ec := &eventClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, eventBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	h.clients[ec] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Event subscriber connected", zap.String("client_id", ec.id), zap.String("remote", c.ClientIP()))

	go h.writePump(ec)
	h.readPump(ec)
}

// readPump only exists to notice the peer going away and to answer pings.
func (h *EventHub) readPump(ec *eventClient) {
	defer func() {
		h.remove(ec)
		ec.conn.Close()
		h.logger.Info("Event subscriber disconnected", zap.String("client_id", ec.id))
	}()

	ec.conn.SetReadLimit(512)
	ec.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	ec.conn.SetPongHandler(func(string) error {
		return ec.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	for {
		if _, _, err := ec.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(ec *eventClient) {
	ticker := time.NewTicker(eventPingPeriod)
	defer func() {
		ticker.Stop()
		ec.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-ec.send:
			ec.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				ec.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ec.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			ec.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := ec.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) remove(ec *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ec]; ok {
		delete(h.clients, ec)
		ec.close()
	}
}

// Clients returns the number of connected subscribers.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ec := range h.clients {
		delete(h.clients, ec)
		ec.close()
	}
}

var _ notification.Alerter = (*EventHub)(nil)

// upgradeCheck rejects cross-site websocket handshakes from origins outside
// the allowlist. Same-origin and non-browser clients pass.
func upgradeCheck(allowed map[string]bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed[origin] {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}
