package push

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Upgrader with origin validation: in production (BROKER_ENV=production)
// only origins in BROKER_ALLOWED_ORIGINS are accepted; dev allows all.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("BROKER_ENV")
	allowedRaw := os.Getenv("BROKER_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("push origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}

	if env == "production" {
		slog.Warn("BROKER_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// WSConnection is one websocket subscriber. All writes go through the send
// channel into writePump, which is the only goroutine touching the
// connection for writes.
type WSConnection struct {
	hub  *Hub
	sub  *Subscriber
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

// Send implements Transport. It never blocks: a full outbound buffer is a
// transport failure, which marks the subscriber unhealthy upstream.
func (c *WSConnection) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		return errSendBufferFull
	}
}

var errSendBufferFull = errors.New("push: send buffer full")

// clientCommand is the inbound control protocol: room joins/leaves only.
// Domain operations go through the REST surface.
type clientCommand struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Room   string `json:"room"`
}

// HandleWebSocket upgrades the request and registers the caller as a push
// subscriber. Providers identify themselves with X-Provider-ID; initial
// rooms come from the "rooms" query parameter so no early event is missed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	connectionID := "conn-" + uuid.NewString()[:8]
	providerID := r.Header.Get("X-Provider-ID")
	if providerID == "" {
		providerID = r.URL.Query().Get("provider_id")
	}

	ws := &WSConnection{
		hub:  h,
		conn: conn,
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}
	ws.sub = h.Connect(connectionID, ws, providerID != "", providerID)

	// Subscribe before returning any events so immediate follow-ups land.
	for _, room := range strings.Split(r.URL.Query().Get("rooms"), ",") {
		if room = strings.TrimSpace(room); room != "" {
			h.Subscribe(connectionID, room)
		}
	}

	slog.Info("push subscriber connected", "connection_id", connectionID, "provider_id", providerID)
	go ws.writePump()
	go ws.readPump()
}

func (c *WSConnection) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.Disconnect(c.sub.ConnectionID)
		c.conn.Close()
		slog.Info("push subscriber disconnected", "connection_id", c.sub.ConnectionID)
	})
}

// writePump owns all writes: envelopes, pings, close frames.
func (c *WSConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				slog.Warn("push write failed", "connection_id", c.sub.ConnectionID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns all reads and handles room commands.
func (c *WSConnection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("push read error", "connection_id", c.sub.ConnectionID, "error", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			slog.Debug("invalid push command", "connection_id", c.sub.ConnectionID, "error", err)
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.hub.Subscribe(c.sub.ConnectionID, cmd.Room)
		case "unsubscribe":
			c.hub.Unsubscribe(c.sub.ConnectionID, cmd.Room)
		}
	}
}
