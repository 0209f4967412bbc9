//
//
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tunnel-broadcast/amrc/internal/bus"
)

// Heartbeat is the event type of keepalive frames. Heartbeats carry no ID
// and are never replayed.
const Heartbeat bus.Type = "heartbeat"

// Ready is the first frame sent to every client.
const Ready bus.Type = "ready"

// SnapshotFunc supplies the payload of the ready frame.
type SnapshotFunc func() interface{}

// Config tunes the hub.
type Config struct {
	HeartbeatInterval time.Duration
	ClientBuffer      int
}

// Client is one connected stream.
type Client struct {
	ID      string
	Events  chan bus.Event
	Context context.Context
	Cancel  context.CancelFunc

	types   map[bus.Type]bool
	lastSeq int64
	dropped atomic.Int64
	once    sync.Once
}

// accepts reports whether the client filter admits t.
func (c *Client) accepts(t bus.Type) bool {
	if len(c.types) == 0 || t == Heartbeat {
		return true
	}
	return c.types[t]
}

func (c *Client) close() {
	c.once.Do(func() {
		c.Cancel()
	})
}

// Hub distributes bus events to stream clients.
//
// Publishing never blocks the bus: a client whose queue is full loses the
// event, and the loss is logged. SSE clients recover lost events by
// reconnecting with Last-Event-ID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	bus      *bus.Bus
	snapshot SnapshotFunc
	config   Config
	logger   zerolog.Logger

	unsubscribe func()
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewHub creates a hub over b. Call Start to begin forwarding.
func NewHub(b *bus.Bus, snapshot SnapshotFunc, cfg Config, logger zerolog.Logger) *Hub {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 100
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Hub{
		clients:  make(map[string]*Client),
		bus:      b,
		snapshot: snapshot,
		config:   cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start subscribes to the bus and starts the heartbeat loop.
func (h *Hub) Start() {
	h.unsubscribe = h.bus.SubscribeAll(h.publish)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.publish(bus.Event{
					Type: Heartbeat,
					Data: map[string]interface{}{"ts": time.Now().UTC().Format(time.RFC3339)},
				})
			case <-h.done:
				return
			}
		}
	}()
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if h.unsubscribe != nil {
			h.unsubscribe()
		}
		close(h.done)

		h.mu.Lock()
		for id, client := range h.clients {
			client.close()
			delete(h.clients, id)
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// publish hands e to every client without blocking.
func (h *Hub) publish(e bus.Event) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.accepts(e.Type) {
			continue
		}
		select {
		case c.Events <- e:
		case <-c.Context.Done():
		default:
			c.dropped.Add(1)
			h.logger.Warn().
				Str("client", c.ID).
				Str("event", string(e.Type)).
				Int64("seq", e.Seq).
				Msg("Stream client queue full, event dropped")
		}
	}
}

// register adds a client. filter is a comma separated list of event types;
// empty admits all.
func (h *Hub) register(ctx context.Context, filter string, lastSeq int64) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ID:      uuid.NewString(),
		Events:  make(chan bus.Event, h.config.ClientBuffer),
		Context: clientCtx,
		Cancel:  cancel,
		types:   parseFilter(filter),
		lastSeq: lastSeq,
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Debug().Str("client", client.ID).Int64("lastSeq", lastSeq).Msg("Stream client connected")
	return client
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
	client.close()

	h.logger.Debug().Str("client", client.ID).Int64("dropped", client.dropped.Load()).Msg("Stream client disconnected")
}

// backlog returns the events to send before live delivery: the ready frame
// then any retained events after the client's last sequence.
func (h *Hub) backlog(client *Client, replay bool) []bus.Event {
	var data map[string]interface{}
	if h.snapshot != nil {
		data = map[string]interface{}{"snapshot": h.snapshot()}
	}
	out := []bus.Event{{Type: Ready, Data: data, Time: time.Now().UTC()}}
	if replay {
		for _, e := range h.bus.After(client.lastSeq) {
			if client.accepts(e.Type) {
				out = append(out, e)
			}
		}
	}
	return out
}

// replayed reports whether a live event was already sent from the backlog.
func (c *Client) replayed(e bus.Event) bool {
	return e.Seq != 0 && e.Seq <= c.lastSeq
}

// sent records the sequence of a backlog event.
func (c *Client) sent(e bus.Event) {
	if e.Seq > c.lastSeq {
		c.lastSeq = e.Seq
	}
}

// Subscribe serves an SSE stream until the client goes away or the hub
// stops. The type query parameter filters event types.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	lastID := int64(0)
	replay := false
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		if id, err := parseSeq(s); err == nil {
			lastID = id
			replay = true
		}
	}

	client := h.register(ctx, r.URL.Query().Get("type"), lastID)
	defer h.unregister(client)

	for _, e := range h.backlog(client, replay) {
		if err := writeSSE(w, e); err != nil {
			return fmt.Errorf("failed to send backlog: %w", err)
		}
		client.sent(e)
	}
	flusher.Flush()

	for {
		select {
		case <-client.Context.Done():
			return nil
		case <-h.done:
			return nil
		case e := <-client.Events:
			if client.replayed(e) {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// writeSSE formats e as one SSE frame.
func writeSSE(w http.ResponseWriter, e bus.Event) error {
	if e.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", e.Seq); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", e.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}
	return nil
}

func parseFilter(filter string) map[bus.Type]bool {
	if filter == "" {
		return nil
	}
	types := make(map[bus.Type]bool)
	for _, t := range strings.Split(filter, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[bus.Type(t)] = true
		}
	}
	return types
}

func parseSeq(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative sequence %d", n)
	}
	return n, nil
}
