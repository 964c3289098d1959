package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ConnOptions tune a WebSocket subscriber.
type ConnOptions struct {
	// Buffer is the number of frames queued before frames are dropped.
	Buffer int
	// MaxDrops is the number of consecutive dropped frames after which
	// Send fails with ErrSlowSubscriber.
	MaxDrops int
	// Job limits the subscriber to a single job, empty means all jobs.
	Job string
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.MaxDrops <= 0 {
		o.MaxDrops = 32
	}
	return o
}

// Conn is a Subscriber backed by a WebSocket connection. Frames are
// queued and written by a dedicated goroutine, so Send never waits on the
// network.
type Conn struct {
	id       string
	ws       *websocket.Conn
	job      string
	queue    chan []byte
	done     chan struct{}
	once     sync.Once
	drops    atomic.Int64
	maxDrops int64
	dropped  atomic.Int64
	wg       sync.WaitGroup
}

// NewConn starts the writer and reader goroutines of ws.
func NewConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		job:      opts.Job,
		queue:    make(chan []byte, opts.Buffer),
		done:     make(chan struct{}),
		maxDrops: int64(opts.MaxDrops),
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *Conn) ID() string { return c.id }

// Accepts implements JobFilter.
func (c *Conn) Accepts(jobID string) bool {
	return c.job == "" || c.job == jobID
}

// Dropped returns how many frames this subscriber lost.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case c.queue <- msg:
		c.drops.Store(0)
		return nil
	default:
		c.dropped.Add(1)
		if c.drops.Add(1) >= c.maxDrops {
			return ErrSlowSubscriber
		}
		return ErrFrameDropped
	}
}

// Close stops both goroutines and closes the socket. It is safe to call
// more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Wait blocks until the writer and reader goroutines are gone.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-c.queue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("websocket write failed", "subscriber", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// readLoop discards client messages; it exists to process control frames
// and notice disconnects.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			_ = c.Close()
			return
		}
	}
}

// Handler upgrades HTTP requests to WebSocket subscribers of a Registry.
// The optional query parameter "job" limits the stream to one job.
type Handler struct {
	registry *Registry
	opts     ConnOptions
	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, opts ConnOptions) *Handler {
	return &Handler{
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the UI is served from a different origin in development
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		slog.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	opts := h.opts
	opts.Job = r.URL.Query().Get("job")
	conn := NewConn(ws, opts)
	h.serve(r.Context(), conn)
}

func (h *Handler) serve(ctx context.Context, conn *Conn) {
	defer conn.Wait()
	defer h.registry.Remove(conn)

	if err := h.registry.Add(conn); err != nil {
		slog.WarnContext(ctx, "subscriber rejected", "error", err)
		_ = conn.Close()
		return
	}
	slog.DebugContext(ctx, "subscriber connected", "subscriber", conn.ID(), "job_id", conn.job)
	<-conn.Done()
	slog.DebugContext(ctx, "subscriber disconnected", "subscriber", conn.ID(), "dropped", conn.Dropped())
}
