package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnel-broadcast/amrc/internal/bus"
)

type frame struct {
	id    string
	event string
	data  string
}

func setupTestHub(t *testing.T) (*Hub, *bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New(100, zerolog.Nop())
	hub := NewHub(b, func() interface{} {
		return map[string]interface{}{"connected": true}
	}, Config{HeartbeatInterval: time.Hour, ClientBuffer: 16}, zerolog.Nop())
	hub.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Subscribe(r.Context(), w, r)
	})
	mux.HandleFunc("/ws", hub.ServeWS)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, b, srv
}

// openSSE connects and returns a channel of parsed frames.
func openSSE(t *testing.T, url string, header http.Header) <-chan frame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	frames := make(chan frame, 64)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		reader := bufio.NewReader(resp.Body)
		var f frame
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				frames <- f
				f = frame{}
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan frame) frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return frame{}
	}
}

func TestSSEReadyThenLiveEvents(t *testing.T) {
	_, b, srv := setupTestHub(t)
	frames := openSSE(t, srv.URL+"/sse", nil)

	ready := nextFrame(t, frames)
	assert.Equal(t, "ready", ready.event)
	assert.Empty(t, ready.id)
	assert.Contains(t, ready.data, `"connected":true`)

	e := b.Emit(bus.ConnectSuccess, map[string]interface{}{"addr": "10.0.0.1:5000"})

	f := nextFrame(t, frames)
	assert.Equal(t, "connectSuccess", f.event)
	assert.Equal(t, "1", f.id)

	var decoded bus.Event
	require.NoError(t, json.Unmarshal([]byte(f.data), &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "10.0.0.1:5000", decoded.String("addr"))
}

func TestSSEReplayAfterLastEventID(t *testing.T) {
	_, b, srv := setupTestHub(t)
	b.Emit(bus.CommandSent, nil)
	b.Emit(bus.CommandConfirmed, nil)
	b.Emit(bus.WatchdogTriggered, nil)

	frames := openSSE(t, srv.URL+"/sse", http.Header{"Last-Event-ID": {"1"}})

	assert.Equal(t, "ready", nextFrame(t, frames).event)
	f := nextFrame(t, frames)
	assert.Equal(t, "2", f.id)
	assert.Equal(t, "commandConfirmed", f.event)
	f = nextFrame(t, frames)
	assert.Equal(t, "3", f.id)

	b.Emit(bus.WatchdogReset, nil)
	f = nextFrame(t, frames)
	assert.Equal(t, "4", f.id)
	assert.Equal(t, "watchdogReset", f.event)
}

func TestSSETypeFilter(t *testing.T) {
	_, b, srv := setupTestHub(t)
	frames := openSSE(t, srv.URL+"/sse?type=watchdogTriggered,broadcastStopped", nil)
	nextFrame(t, frames)

	b.Emit(bus.CommandSent, nil)
	b.Emit(bus.WatchdogTriggered, nil)
	b.Emit(bus.DeviceHeartbeat, nil)
	b.Emit(bus.BroadcastStopped, map[string]interface{}{"reason": "watchdog"})

	assert.Equal(t, "watchdogTriggered", nextFrame(t, frames).event)
	assert.Equal(t, "broadcastStopped", nextFrame(t, frames).event)
}

func TestHeartbeatFrames(t *testing.T) {
	b := bus.New(10, zerolog.Nop())
	hub := NewHub(b, nil, Config{HeartbeatInterval: 20 * time.Millisecond}, zerolog.Nop())
	hub.Start()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Subscribe(r.Context(), w, r)
	}))
	defer srv.Close()
	defer hub.Stop()

	frames := openSSE(t, srv.URL, nil)
	nextFrame(t, frames)

	f := nextFrame(t, frames)
	assert.Equal(t, "heartbeat", f.event)
	assert.Empty(t, f.id)
}

func TestWebSocketStream(t *testing.T) {
	_, b, srv := setupTestHub(t)
	b.Emit(bus.ConnectRequested, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var e bus.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, Ready, e.Type)

	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, bus.ConnectRequested, e.Type)
	assert.Equal(t, int64(1), e.Seq)

	b.Emit(bus.ConnectSuccess, nil)
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, bus.ConnectSuccess, e.Type)
	assert.Equal(t, int64(2), e.Seq)
}

func TestStopDisconnectsClients(t *testing.T) {
	hub, _, srv := setupTestHub(t)
	frames := openSSE(t, srv.URL+"/sse", nil)
	nextFrame(t, frames)
	require.Equal(t, 1, hub.ClientCount())

	hub.Stop()

	assert.Equal(t, 0, hub.ClientCount())
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after Stop")
		}
	}
}

func TestSlowClientDoesNotBlockPublisher(t *testing.T) {
	b := bus.New(100, zerolog.Nop())
	hub := NewHub(b, nil, Config{ClientBuffer: 1, HeartbeatInterval: time.Hour}, zerolog.Nop())
	hub.Start()
	defer hub.Stop()

	client := hub.register(context.Background(), "", 0)
	defer hub.unregister(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Emit(bus.DeviceStateUpdated, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow client")
	}
	assert.Equal(t, int64(4), client.dropped.Load())
	assert.Len(t, client.Events, 1)
}
