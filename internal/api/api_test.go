package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnel-broadcast/amrc/internal/audit"
	"github.com/tunnel-broadcast/amrc/internal/auth"
	"github.com/tunnel-broadcast/amrc/internal/bus"
	"github.com/tunnel-broadcast/amrc/internal/command"
	"github.com/tunnel-broadcast/amrc/internal/config"
	"github.com/tunnel-broadcast/amrc/internal/scpi"
	"github.com/tunnel-broadcast/amrc/internal/state"
	"github.com/tunnel-broadcast/amrc/internal/supervisor"
	"github.com/tunnel-broadcast/amrc/internal/transport"
)

// MockControl implements ControlPort with overridable functions.
type MockControl struct {
	SetChannelFrequencyFunc func(ctx context.Context, channel int, hz uint32) error
	SetChannelEnabledFunc   func(ctx context.Context, channel int, enabled bool) error
	SetSourceFunc           func(ctx context.Context, src scpi.Source) error
	SetMessageFunc          func(ctx context.Context, id int) error
	SetBroadcastFunc        func(ctx context.Context, active bool) error
	ResetWatchdogFunc       func(ctx context.Context) error
	SetWatchdogEnabledFunc  func(ctx context.Context, enabled bool) error
	EnablePresetFunc        func(ctx context.Context, count int) ([]int, error)
	LoadAudioFunc           func(ctx context.Context, path string) error
	ConnectFunc             func(host string, port int) error
	DisconnectFunc          func(ctx context.Context) error

	State    state.DeviceState
	Conn     state.ConnectionState
	Identity string
	LastUser string
}

func (m *MockControl) record(ctx context.Context) {
	m.LastUser = audit.UserFromContext(ctx)
}

func (m *MockControl) SetChannelFrequency(ctx context.Context, channel int, hz uint32) error {
	m.record(ctx)
	if m.SetChannelFrequencyFunc != nil {
		return m.SetChannelFrequencyFunc(ctx, channel, hz)
	}
	return nil
}

func (m *MockControl) SetChannelEnabled(ctx context.Context, channel int, enabled bool) error {
	m.record(ctx)
	if m.SetChannelEnabledFunc != nil {
		return m.SetChannelEnabledFunc(ctx, channel, enabled)
	}
	return nil
}

func (m *MockControl) SetSource(ctx context.Context, src scpi.Source) error {
	m.record(ctx)
	if m.SetSourceFunc != nil {
		return m.SetSourceFunc(ctx, src)
	}
	return nil
}

func (m *MockControl) SetMessage(ctx context.Context, id int) error {
	m.record(ctx)
	if m.SetMessageFunc != nil {
		return m.SetMessageFunc(ctx, id)
	}
	return nil
}

func (m *MockControl) SetBroadcast(ctx context.Context, active bool) error {
	m.record(ctx)
	if m.SetBroadcastFunc != nil {
		return m.SetBroadcastFunc(ctx, active)
	}
	return nil
}

func (m *MockControl) ResetWatchdog(ctx context.Context) error {
	m.record(ctx)
	if m.ResetWatchdogFunc != nil {
		return m.ResetWatchdogFunc(ctx)
	}
	return nil
}

func (m *MockControl) SetWatchdogEnabled(ctx context.Context, enabled bool) error {
	m.record(ctx)
	if m.SetWatchdogEnabledFunc != nil {
		return m.SetWatchdogEnabledFunc(ctx, enabled)
	}
	return nil
}

func (m *MockControl) EnablePresetChannels(ctx context.Context, count int) ([]int, error) {
	m.record(ctx)
	if m.EnablePresetFunc != nil {
		return m.EnablePresetFunc(ctx, count)
	}
	return nil, nil
}

func (m *MockControl) LoadAudio(ctx context.Context, path string) error {
	m.record(ctx)
	if m.LoadAudioFunc != nil {
		return m.LoadAudioFunc(ctx, path)
	}
	return nil
}

func (m *MockControl) QueryIdentity(ctx context.Context) (string, error) {
	if m.Identity == "" {
		return "", command.ErrUnavailable
	}
	return m.Identity, nil
}

func (m *MockControl) QueryAudioStatus(ctx context.Context) (string, error) {
	return "idle", nil
}

func (m *MockControl) Connect(host string, port int) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(host, port)
	}
	return nil
}

func (m *MockControl) Disconnect(ctx context.Context) error {
	if m.DisconnectFunc != nil {
		return m.DisconnectFunc(ctx)
	}
	return nil
}

func (m *MockControl) ConnectionState() state.ConnectionState { return m.Conn }
func (m *MockControl) DeviceAddr() string                     { return "192.168.0.100:5000" }
func (m *MockControl) Snapshot() state.DeviceState            { return m.State }
func (m *MockControl) Pending() []command.PendingCommand      { return nil }

type envelope struct {
	Result        string          `json:"result"`
	Data          json.RawMessage `json:"data"`
	Code          string          `json:"code"`
	Message       string          `json:"message"`
	CorrelationID string          `json:"correlationId"`
}

type testAPI struct {
	control *MockControl
	bus     *bus.Bus
	handler http.Handler
}

func setupTestAPI(t *testing.T, verifier *auth.Verifier) *testAPI {
	t.Helper()
	control := &MockControl{Conn: state.Connected, Identity: "RedPitaya,AMRadio-12CH,v2.0"}
	b := bus.New(50, zerolog.Nop())
	srv := NewServer(control, b, nil, http.NotFoundHandler(), auth.NewMiddleware(verifier), config.Baseline().API, zerolog.Nop())
	return &testAPI{control: control, bus: b, handler: srv.Handler()}
}

func (a *testAPI) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.NotEmpty(t, env.CorrelationID)
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	a := setupTestAPI(t, nil)
	rec, env := a.do(t, http.MethodGet, "/api/v1/health", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", env.Result)
	assert.Contains(t, string(env.Data), `"connection":"CONNECTED"`)
}

func TestState(t *testing.T) {
	a := setupTestAPI(t, nil)
	a.control.State = state.DeviceState{
		Connected: true,
		Broadcast: state.Idle,
		Channels:  []state.ChannelState{{ID: 1, Frequency: 540000, Confirmed: true}},
	}

	rec, env := a.do(t, http.MethodGet, "/api/v1/state", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Connection string            `json:"connection"`
		Device     state.DeviceState `json:"device"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "CONNECTED", data.Connection)
	require.Len(t, data.Device.Channels, 1)
	assert.Equal(t, uint32(540000), data.Device.Channels[0].Frequency)
}

func TestSetChannelFrequency(t *testing.T) {
	a := setupTestAPI(t, nil)
	var gotChannel int
	var gotHz uint32
	a.control.SetChannelFrequencyFunc = func(ctx context.Context, channel int, hz uint32) error {
		gotChannel, gotHz = channel, hz
		return nil
	}

	rec, env := a.do(t, http.MethodPost, "/api/v1/channels/3/frequency", `{"hz":700000}`, "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", env.Result)
	assert.Equal(t, 3, gotChannel)
	assert.Equal(t, uint32(700000), gotHz)
	assert.Equal(t, "anonymous", a.control.LastUser)
}

func TestEnablePresetChannels(t *testing.T) {
	a := setupTestAPI(t, nil)
	var gotCount int
	a.control.EnablePresetFunc = func(ctx context.Context, count int) ([]int, error) {
		gotCount = count
		return []int{12, 4, 8}, nil
	}

	rec, env := a.do(t, http.MethodPost, "/api/v1/channels/preset/3", "", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, gotCount)
	assert.JSONEq(t, `{"count":3,"channels":[12,4,8]}`, string(env.Data))

	// Per-channel routes still resolve next to the preset route.
	rec, _ = a.do(t, http.MethodPost, "/api/v1/channels/2/enabled", `{"enabled":true}`, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec, env = a.do(t, http.MethodPost, "/api/v1/channels/2/volume", `{}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestLoadAudio(t *testing.T) {
	a := setupTestAPI(t, nil)
	var gotPath string
	a.control.LoadAudioFunc = func(ctx context.Context, path string) error {
		gotPath = path
		return nil
	}

	rec, _ := a.do(t, http.MethodPost, "/api/v1/audio/load", `{"path":"/opt/audio/fire.wav"}`, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/opt/audio/fire.wav", gotPath)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		setup      func(m *MockControl)
		wantStatus int
		wantCode   string
	}{
		{
			name: "frequency out of range",
			path: "/api/v1/channels/1/frequency", body: `{"hz":100}`,
			setup: func(m *MockControl) {
				m.SetChannelFrequencyFunc = func(context.Context, int, uint32) error {
					return &command.ValidationError{Field: "frequency", Value: 100, Err: command.ErrFrequencyOutOfRange}
				}
			},
			wantStatus: http.StatusBadRequest, wantCode: "INVALID_RANGE",
		},
		{
			name: "unknown channel",
			path: "/api/v1/channels/13/enabled", body: `{"enabled":true}`,
			setup: func(m *MockControl) {
				m.SetChannelEnabledFunc = func(context.Context, int, bool) error {
					return &command.ValidationError{Field: "channel", Value: 13, Err: command.ErrUnknownChannel}
				}
			},
			wantStatus: http.StatusNotFound, wantCode: "UNKNOWN_CHANNEL",
		},
		{
			name: "broadcast refused while triggered",
			path: "/api/v1/broadcast", body: `{"active":true}`,
			setup: func(m *MockControl) {
				m.SetBroadcastFunc = func(context.Context, bool) error { return command.ErrWatchdogTriggered }
			},
			wantStatus: http.StatusConflict, wantCode: "WATCHDOG_TRIGGERED",
		},
		{
			name: "not connected",
			path: "/api/v1/watchdog/reset",
			setup: func(m *MockControl) {
				m.ResetWatchdogFunc = func(context.Context) error { return command.ErrUnavailable }
			},
			wantStatus: http.StatusServiceUnavailable, wantCode: "UNAVAILABLE",
		},
		{
			name: "device busy",
			path: "/api/v1/message", body: `{"id":1}`,
			setup: func(m *MockControl) {
				m.SetMessageFunc = func(context.Context, int) error {
					return fmt.Errorf("select message: %w", scpi.CheckReply("ERROR:BUSY"))
				}
			},
			wantStatus: http.StatusServiceUnavailable, wantCode: "BUSY",
		},
		{
			name: "link reset",
			path: "/api/v1/source", body: `{"source":"adc"}`,
			setup: func(m *MockControl) {
				m.SetSourceFunc = func(context.Context, scpi.Source) error {
					return fmt.Errorf("set source: %w", &transport.Error{Op: "send", Code: transport.ErrReset, Err: errors.New("peer reset")})
				}
			},
			wantStatus: http.StatusBadGateway, wantCode: "TRANSPORT_" + transport.ErrReset.Error(),
		},
		{
			name: "session already active",
			path: "/api/v1/connect", body: `{"host":"10.0.0.2","port":5000}`,
			setup: func(m *MockControl) {
				m.ConnectFunc = func(string, int) error { return supervisor.ErrSessionActive }
			},
			wantStatus: http.StatusConflict, wantCode: "BUSY",
		},
		{name: "unknown field", path: "/api/v1/broadcast", body: `{"active":true,"x":1}`, wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
		{name: "missing field", path: "/api/v1/watchdog/enabled", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
		{name: "trailing data", path: "/api/v1/message", body: `{"id":1}{}`, wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
		{
			name: "unsupported preset",
			path: "/api/v1/channels/preset/5",
			setup: func(m *MockControl) {
				m.EnablePresetFunc = func(context.Context, int) ([]int, error) {
					return nil, &command.ValidationError{Field: "count", Value: 5, Err: command.ErrInvalidParameter}
				}
			},
			wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST",
		},
		{
			name: "audio path rejected",
			path: "/api/v1/audio/load", body: `{"path":""}`,
			setup: func(m *MockControl) {
				m.LoadAudioFunc = func(context.Context, string) error {
					return &command.ValidationError{Field: "path", Value: "", Err: command.ErrInvalidParameter}
				}
			},
			wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST",
		},
		{name: "bad preset count", path: "/api/v1/channels/preset/all", wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
		{name: "bad channel id", path: "/api/v1/channels/x/enabled", body: `{"enabled":true}`, wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
		{name: "bad source", path: "/api/v1/source", body: `{"source":"FM"}`, wantStatus: http.StatusBadRequest, wantCode: "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := setupTestAPI(t, nil)
			if tt.setup != nil {
				tt.setup(a.control)
			}
			rec, env := a.do(t, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "error", env.Result)
			assert.Equal(t, tt.wantCode, env.Code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	a := setupTestAPI(t, nil)
	rec, env := a.do(t, http.MethodGet, "/api/v1/broadcast", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", env.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestScopes(t *testing.T) {
	v, err := auth.NewVerifier("secret")
	require.NoError(t, err)
	a := setupTestAPI(t, v)

	viewer, err := v.IssueToken("viewer-1", []string{auth.RoleViewer}, []string{auth.ScopeRead}, time.Hour)
	require.NoError(t, err)
	operator, err := v.IssueToken("operator-1", []string{auth.RoleController}, []string{auth.ScopeRead, auth.ScopeControl}, time.Hour)
	require.NoError(t, err)

	rec, _ := a.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, http.MethodGet, "/api/v1/state", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = a.do(t, http.MethodGet, "/api/v1/state", "", viewer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := a.do(t, http.MethodPost, "/api/v1/broadcast", `{"active":false}`, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", env.Code)

	rec, _ = a.do(t, http.MethodPost, "/api/v1/broadcast", `{"active":false}`, operator)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "operator-1", a.control.LastUser)

	rec, _ = a.do(t, http.MethodGet, "/api/v1/telemetry", "", viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEvents(t *testing.T) {
	a := setupTestAPI(t, nil)
	a.bus.Emit(bus.ConnectSuccess, nil)
	a.bus.Emit(bus.WatchdogTriggered, nil)
	a.bus.Emit(bus.DeviceStateUpdated, nil)
	a.bus.Emit(bus.WatchdogReset, nil)

	rec, env := a.do(t, http.MethodGet, "/api/v1/events?limit=2", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []bus.Event
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 2)
	assert.Equal(t, bus.DeviceStateUpdated, events[0].Type)
	assert.Equal(t, bus.WatchdogReset, events[1].Type)

	_, env = a.do(t, http.MethodGet, "/api/v1/events?type=watchdogTriggered", "", "")
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)

	rec, _ = a.do(t, http.MethodGet, "/api/v1/events?limit=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueries(t *testing.T) {
	a := setupTestAPI(t, nil)
	rec, env := a.do(t, http.MethodGet, "/api/v1/identity", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), "AMRadio-12CH")

	a.control.Identity = ""
	rec, env = a.do(t, http.MethodGet, "/api/v1/identity", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UNAVAILABLE", env.Code)
}

func TestTelemetryUnavailableWithoutHub(t *testing.T) {
	a := setupTestAPI(t, nil)
	rec, env := a.do(t, http.MethodGet, "/api/v1/telemetry", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UNAVAILABLE", env.Code)
}
