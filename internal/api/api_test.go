package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-gateway/internal/auth"
	"github.com/lorawan-server/lorawan-gateway/internal/config"
	"github.com/lorawan-server/lorawan-gateway/internal/failover"
	"github.com/lorawan-server/lorawan-gateway/internal/forwarder"
	"github.com/lorawan-server/lorawan-gateway/internal/models"
	"github.com/lorawan-server/lorawan-gateway/internal/netif"
	"github.com/lorawan-server/lorawan-gateway/internal/radio"
	"github.com/lorawan-server/lorawan-gateway/internal/storage"
	"github.com/lorawan-server/lorawan-gateway/pkg/crypto"
)

type fakeNetwork struct {
	active       string
	manual       bool
	unavailable  map[netif.Type]bool
	reconnectErr error
	reconnects   int
}

func (n *fakeNetwork) Status() failover.Status {
	return failover.Status{Connected: n.active != "None", ActiveInterface: n.active, ManualMode: n.manual}
}

func (n *fakeNetwork) Health() failover.Health {
	return failover.Health{Healthy: true, FailoverTimeout: 30000}
}

func (n *fakeNetwork) ForceInterface(t netif.Type) error {
	if n.unavailable[t] {
		return fmt.Errorf("%w: %s", failover.ErrUnavailable, t)
	}
	n.active = t.String()
	n.manual = true
	return nil
}

func (n *fakeNetwork) SetAutoMode() { n.manual = false }

func (n *fakeNetwork) Reconnect() error {
	n.reconnects++
	return n.reconnectErr
}

type fakeForwarder struct{}

func (fakeForwarder) Status() forwarder.Status {
	return forwarder.Status{Started: true, GatewayEUI: "AABBCCFFFEDDEEFF", Server: "localhost", PortUp: 1700}
}

func (fakeForwarder) Stats() forwarder.Stats {
	return forwarder.Stats{PushDataSent: 3, PushAckReceived: 2}
}

type fakeRadio struct{}

func (fakeRadio) Stats() radio.Stats       { return radio.Stats{RxReceived: 5} }
func (fakeRadio) Settings() radio.Settings { return radio.DefaultSettings() }

type recorder struct {
	events []*models.Event
}

func (r *recorder) Record(e *models.Event) { r.events = append(r.events, e) }

type testServer struct {
	srv    *RESTServer
	net    *fakeNetwork
	events *storage.MemoryStore
	rec    *recorder
}

func newTestServer(t *testing.T, jwt *auth.JWTManager) *testServer {
	t.Helper()
	ts := &testServer{
		net:    &fakeNetwork{active: "Ethernet", unavailable: map[netif.Type]bool{}},
		events: storage.NewMemoryStore(0),
		rec:    &recorder{},
	}
	ts.srv = NewRESTServer(jwt, Deps{
		Network:   ts.net,
		Forwarder: fakeForwarder{},
		Radio:     fakeRadio{},
		Events:    ts.events,
		Recorder:  ts.rec,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("gateway_up 1\n"))
		}),
	})
	return ts
}

func newJWT(t *testing.T) *auth.JWTManager {
	t.Helper()
	hash, err := crypto.HashPassword("gateway-admin")
	require.NoError(t, err)
	m, err := auth.NewJWTManager(
		config.JWTConfig{Secret: "0123456789abcdef0123", AccessTokenTTL: time.Hour},
		config.AdminConfig{Username: "admin", PasswordHash: hash},
	)
	require.NoError(t, err)
	return m
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t, newJWT(t))

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_up")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, newJWT(t))

	w := ts.do(t, http.MethodGet, "/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/status", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginFlow(t *testing.T) {
	ts := newTestServer(t, newJWT(t))

	w := ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "admin", "password": "gateway-admin"})
	require.Equal(t, http.StatusOK, w.Code)

	var login struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	decode(t, w, &login)
	assert.NotEmpty(t, login.AccessToken)
	assert.Equal(t, 3600, login.ExpiresIn)
	assert.Equal(t, "Bearer", login.TokenType)

	w = ts.do(t, http.MethodGet, "/status", login.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginWithoutAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "admin", "password": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	decode(t, w, &resp)
	assert.True(t, resp.Network.Connected)
	assert.Equal(t, "Ethernet", resp.Network.ActiveInterface)
	assert.True(t, resp.Forwarder.Started)
	assert.Equal(t, uint32(3), resp.Forwarder.Stats.PushDataSent)
	assert.Equal(t, uint32(radio.DefaultFrequency), resp.Radio.Frequency)
	assert.Equal(t, uint32(5), resp.Radio.Stats.RxReceived)
}

func TestNetworkEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/network/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health failover.Health
	decode(t, w, &health)
	assert.True(t, health.Healthy)
	assert.Equal(t, int64(30000), health.FailoverTimeout)

	w = ts.do(t, http.MethodGet, "/forwarder/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats forwarder.Stats
	decode(t, w, &stats)
	assert.Equal(t, uint32(2), stats.PushAckReceived)
}

func TestForceInterface(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/network/force", "", map[string]string{"interface": "wifi"})
	require.Equal(t, http.StatusOK, w.Code)

	var st failover.Status
	decode(t, w, &st)
	assert.Equal(t, "WiFi", st.ActiveInterface)
	assert.True(t, st.ManualMode)

	require.Len(t, ts.rec.events, 1)
	assert.Equal(t, models.EventTypeModeChange, ts.rec.events[0].Type)
	assert.Equal(t, "FORCE", ts.rec.events[0].Code)

	w = ts.do(t, http.MethodPost, "/network/auto", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &st)
	assert.False(t, st.ManualMode)
	assert.Len(t, ts.rec.events, 2)
}

func TestForceInterfaceErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.net.unavailable[netif.TypeEthernet] = true

	w := ts.do(t, http.MethodPost, "/network/force", "", map[string]string{"interface": "lte"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/network/force", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/network/force", "", map[string]string{"interface": "ethernet"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, ts.rec.events)
}

func TestReconnect(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/network/reconnect", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.net.reconnectErr = errors.New("no interface available")
	w = ts.do(t, http.MethodPost, "/network/reconnect", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	assert.Equal(t, 2, ts.net.reconnects)
	require.Len(t, ts.rec.events, 2)
	assert.Equal(t, "OK", ts.rec.events[0].Code)
	assert.Equal(t, "FAILED", ts.rec.events[1].Code)
	assert.Equal(t, models.EventLevelWarning, ts.rec.events[1].Level)
}

func TestActionsRecordUser(t *testing.T) {
	m := newJWT(t)
	ts := newTestServer(t, m)
	token, err := m.GenerateToken("admin")
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/network/auto", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ts.rec.events, 1)
	assert.Equal(t, "admin", ts.rec.events[0].Details["user"])
}

func TestListEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.events.CreateEvent(ctx,
			models.NewEvent(models.EventTypeDownlink, models.EventLevelInfo, "OK", "downlink")))
	}
	require.NoError(t, ts.events.CreateEvent(ctx,
		models.NewEvent(models.EventTypeInterfaceSwitch, models.EventLevelWarning, "SWITCH", "Ethernet -> WiFi")))

	type listResponse struct {
		Events []struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"events"`
		Total  int64 `json:"total"`
		Limit  int   `json:"limit"`
		Offset int   `json:"offset"`
	}

	w := ts.do(t, http.MethodGet, "/events", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	decode(t, w, &resp)
	assert.Equal(t, int64(4), resp.Total)
	assert.Len(t, resp.Events, 4)
	assert.Equal(t, defaultEventLimit, resp.Limit)
	assert.Equal(t, "SWITCH", resp.Events[0].Code)

	w = ts.do(t, http.MethodGet, "/events?type=DOWNLINK&limit=2&offset=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = listResponse{}
	decode(t, w, &resp)
	assert.Equal(t, int64(3), resp.Total)
	assert.Len(t, resp.Events, 2)
	assert.Equal(t, 1, resp.Offset)

	w = ts.do(t, http.MethodGet, "/events?limit=100000", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = listResponse{}
	decode(t, w, &resp)
	assert.Equal(t, maxEventLimit, resp.Limit)

	for _, q := range []string{"type=BOGUS", "limit=0", "limit=x", "offset=-1"} {
		w = ts.do(t, http.MethodGet, "/events?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestListEventsWithoutJournal(t *testing.T) {
	srv := NewRESTServer(nil, Deps{Network: &fakeNetwork{active: "None"}, Forwarder: fakeForwarder{}})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
