package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/ralph/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send subscribe/unsubscribe/ping frames.
	maxMessageSize = 4 * 1024
)

// feedMessage is what a client may send. The feed is read-only: there are
// no command frames.
type feedMessage struct {
	Type string `json:"type"` // subscribe, unsubscribe, ping
	Task string `json:"task,omitempty"`
}

// feedEvent is the envelope events are delivered in.
type feedEvent struct {
	Type  string    `json:"type"` // always "event"
	Event string    `json:"event"`
	Task  string    `json:"task"`
	RunID string    `json:"run_id,omitempty"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"time"`
}

// Feed serves the daemon's event bus to observers over websocket, plus a
// JSON status snapshot. `ralph watch` is its client.
type Feed struct {
	daemon   *Daemon
	pub      events.Publisher
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]*feedConn
}

// feedConn tracks one websocket client.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu           sync.Mutex // protects task, events, unsubscribed
	task         string
	events       <-chan events.Event
	unsubscribed bool
}

// NewFeed builds the feed server around a daemon and its publisher.
func NewFeed(d *Daemon, pub events.Publisher, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		daemon: d,
		pub:    pub,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]*feedConn),
	}
}

// Handler returns the feed's routes.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", f.serveWS)
	mux.HandleFunc("GET /status", f.serveStatus)
	mux.HandleFunc("GET /healthz", f.serveHealth)
	return mux
}

// ListenAndServe blocks serving the feed until ctx is cancelled.
func (f *Feed) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           f.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		f.closeAll()
	}()

	f.log.Info("event feed listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (f *Feed) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (f *Feed) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.daemon.Info())
}

// serveWS upgrades the connection and starts its pumps.
func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedConn{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	f.conns[conn] = c
	f.mu.Unlock()

	go f.readPump(c)
	go f.writePump(c)
}

// readPump reads client frames until the connection drops.
func (f *Feed) readPump(c *feedConn) {
	defer f.closeConn(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.log.Error("websocket read error", "error", err)
			}
			return
		}
		f.handleMessage(c, message)
	}
}

// writePump drains the send queue and keeps the connection pinged. Each
// message goes out as its own frame.
func (f *Feed) writePump(c *feedConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) handleMessage(c *feedConn, data []byte) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.sendError(c, "invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		f.subscribe(c, msg.Task)
	case "unsubscribe":
		f.unsubscribe(c)
	case "ping":
		f.sendJSON(c, map[string]any{"type": "pong"})
	default:
		f.sendError(c, "unknown message type: "+msg.Type)
	}
}

// subscribe attaches the connection to one task's events. An empty task
// means everything.
func (f *Feed) subscribe(c *feedConn, task string) {
	if task == "" {
		task = events.GlobalTaskID
	}
	f.unsubscribe(c)

	c.mu.Lock()
	c.task = task
	c.events = f.pub.Subscribe(task)
	c.unsubscribed = false
	c.mu.Unlock()

	go f.forwardEvents(c)

	f.sendJSON(c, map[string]any{"type": "subscribed", "task": task})
	f.log.Debug("feed subscribed", "task", task)
}

func (f *Feed) unsubscribe(c *feedConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task != "" && c.events != nil && !c.unsubscribed {
		f.pub.Unsubscribe(c.task, c.events)
		c.unsubscribed = true
		c.task = ""
		c.events = nil
	}
}

// forwardEvents pushes publisher events into the connection's send queue.
func (f *Feed) forwardEvents(c *feedConn) {
	c.mu.Lock()
	ch := c.events
	c.mu.Unlock()
	if ch == nil {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.mu.Lock()
			gone := c.unsubscribed
			c.mu.Unlock()
			if gone {
				return
			}
			f.sendJSON(c, feedEvent{
				Type:  "event",
				Event: string(ev.Type),
				Task:  ev.Task,
				RunID: ev.RunID,
				Data:  ev.Data,
				Time:  ev.Time,
			})
		}
	}
}

// closeConn tears one connection down exactly once.
func (f *Feed) closeConn(c *feedConn) {
	f.mu.Lock()
	if _, exists := f.conns[c.conn]; !exists {
		f.mu.Unlock()
		return
	}
	delete(f.conns, c.conn)
	f.mu.Unlock()

	f.unsubscribe(c)

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	conns := make([]*feedConn, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		f.closeConn(c)
	}
}

// ConnCount returns the number of connected clients.
func (f *Feed) ConnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *Feed) sendJSON(c *feedConn, data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		f.log.Error("feed marshal failed", "error", err)
		return
	}
	select {
	case c.send <- msg:
	default:
		// Buffer full; the client is too slow and misses this one.
		f.log.Warn("feed send buffer full, dropping message")
	}
}

func (f *Feed) sendError(c *feedConn, message string) {
	f.sendJSON(c, map[string]any{"type": "error", "error": message})
}
