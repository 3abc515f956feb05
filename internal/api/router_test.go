package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sts/internal/auth"
	"github.com/dreamware/sts/internal/directory"
	"github.com/dreamware/sts/internal/monitor"
	"github.com/dreamware/sts/internal/notify"
	"github.com/dreamware/sts/internal/pin"
	"github.com/dreamware/sts/internal/session"
	"github.com/dreamware/sts/internal/storage"
)

const phone = "98079008"

var _ Pins = (*pin.Repository)(nil)
var _ Authenticator = (*auth.Authenticator)(nil)
var _ Deliveries = (*monitor.DeliveryMonitor)(nil)

type leader struct{ v atomic.Bool }

func (l *leader) IsLeader(context.Context) bool { return l.v.Load() }

type directoryStub struct{}

func (directoryStub) ListUsers(_ context.Context, q string) ([]directory.User, error) {
	if q != phone {
		return nil, directory.ErrNotFound
	}
	return []directory.User{{UID: "u-1", UserName: phone, CellPhone: phone}}, nil
}

func (directoryStub) GetUserAggregate(_ context.Context, uid string) (directory.Aggregate, error) {
	return directory.Aggregate{User: directory.User{UID: uid, UserName: phone, CellPhone: phone}}, nil
}

func (directoryStub) UserExists(context.Context, string) (bool, error) { return true, nil }

func (directoryStub) CreatePinUser(context.Context, []byte) (directory.Aggregate, error) {
	return directory.Aggregate{}, directory.ErrNotFound
}

type server struct {
	*httptest.Server
	pins       *pin.Repository
	deliveries *monitor.DeliveryMonitor
	signer     *session.Signer
}

func newServer(t *testing.T) *server {
	t.Helper()
	grid := storage.NewMemoryGrid()
	pins, err := pin.NewRepository(grid, nil, pin.DefaultConfig(), nil)
	require.NoError(t, err)
	pins.SetPinGenerator(func() (string, error) { return "1234", nil })

	signer, err := session.NewSigner("test-key", "sts-test")
	require.NoError(t, err)

	lead := &leader{}
	lead.v.Store(true)
	sessions := session.NewRepository(grid, time.Hour, nil)
	authn := auth.New(pins, directoryStub{}, sessions, notify.NoOp{}, auth.Config{SharedSecret: "s3cret", ListBackoff: time.Millisecond}, nil)
	deliveries := monitor.NewDeliveryMonitor(grid, lead, notify.NoOp{}, monitor.DeliveryConfig{NodeID: "node-1", ReportingEnabled: true}, nil)

	h := NewHandlers(Handlers{
		NodeID:     "node-1",
		Pins:       pins,
		Auth:       authn,
		Deliveries: deliveries,
		Leader:     lead,
		Signer:     signer,

		DiagnosticsKey: "diag-key",
	}, nil)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return &server{Server: srv, pins: pins, deliveries: deliveries, signer: signer}
}

func (s *server) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(s.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (s *server) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	resp, body := s.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-1", body["node_id"])
	assert.Equal(t, true, body["is_leader"])
}

func TestIssueAndVerifyPin(t *testing.T) {
	s := newServer(t)

	resp, body := s.post(t, "/pins", map[string]string{"phone": phone})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, phone, body["phone"])
	assert.EqualValues(t, 300, body["ttl_seconds"])
	assert.NotContains(t, body, "pin", "the pin only travels by sms")

	resp, _ = s.post(t, "/pins/verify", map[string]string{"phone": phone, "pin": "9999"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = s.post(t, "/pins/verify", map[string]string{"phone": phone, "pin": "1234"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])

	resp, body = s.post(t, "/pins/verify", map[string]string{"phone": phone, "pin": "1234"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a pin is spent once")
	assert.Equal(t, "authentication failed", body["error"])
}

func TestBadRequests(t *testing.T) {
	s := newServer(t)

	resp, err := http.Post(s.URL+"/pins", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.post(t, "/pins", map[string]string{"phone": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.post(t, "/trusted-pins", map[string]string{"phone": phone})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "client_id is required")

	resp, _ = s.post(t, "/logon/pin/create", map[string]string{"phone": phone, "pin": "1234"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "user is required")
}

func TestTrustedClientHandshake(t *testing.T) {
	s := newServer(t)

	_, body := s.get(t, "/trusted/client-a/"+phone)
	assert.Equal(t, false, body["bound"])

	resp, _ := s.post(t, "/trusted-pins", map[string]string{"phone": phone, "client_id": "client-a"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = s.post(t, "/trusted-pins/verify", map[string]string{"phone": phone, "client_id": "client-b", "pin": "1234"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.post(t, "/trusted-pins/verify", map[string]string{"phone": phone, "client_id": "client-a", "pin": "1234"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = s.get(t, "/trusted/client-a/"+phone)
	assert.Equal(t, true, body["bound"])

	resp, body = s.post(t, "/logon/trusted", map[string]string{"phone": phone, "client_id": "client-a", "application_id": "app"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := body["user_token"].(map[string]any)
	assert.Equal(t, "u-1", token["uid"])
	assert.Equal(t, auth.SourceTrustedClient, token["source"])

	resp, _ = s.post(t, "/logon/trusted", map[string]string{"phone": phone, "client_id": "client-b"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogonPin(t *testing.T) {
	s := newServer(t)
	_, err := s.pins.IssuePin(context.Background(), phone)
	require.NoError(t, err)

	resp, body := s.post(t, "/logon/pin", map[string]any{
		"application_id":   "app-1",
		"phone":            phone,
		"pin":              "1234",
		"lifespan_seconds": 600,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := body["user_token"].(map[string]any)
	assert.Equal(t, "u-1", token["uid"])
	assert.Equal(t, "app-1", token["application_id"])

	assertion, ok := body["assertion"].(string)
	require.True(t, ok)
	claims, err := s.signer.Verify(assertion)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, token["id"], claims.ID)

	resp, body = s.post(t, "/logon/pin", map[string]any{"phone": phone, "pin": "1234"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication failed", body["error"])
}

func TestLogonSharedSecret(t *testing.T) {
	s := newServer(t)

	resp, _ := s.post(t, "/logon/shared-secret", map[string]string{"phone": phone, "secret": "guess"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.post(t, "/logon/shared-secret", map[string]string{"phone": phone, "secret": "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := body["user_token"].(map[string]any)
	assert.EqualValues(t, session.LevelSharedSecret, token["security_level"])
}

func TestDeliveryReport(t *testing.T) {
	s := newServer(t)

	dlr := map[string]any{
		"transactionId":      "tx-1",
		"recipient":          "+47" + phone,
		"statusCode":         "DELIVERED",
		"detailedStatusCode": "DELIVERED",
		"delivered":          true,
	}
	resp, _ := s.post(t, "/sms/dlr", dlr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	logged, ok, err := s.pins.DeliveryLog(context.Background(), phone)
	require.NoError(t, err)
	require.True(t, ok, "report is keyed by the phone without country code")
	assert.Contains(t, logged, "tx-1")

	stats, err := s.deliveries.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.SuccessCount)

	resp, err = http.Post(s.URL+"/sms/dlr", "application/json", bytes.NewBufferString("[]"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	s := newServer(t)
	_, err := s.pins.IssuePin(context.Background(), phone)
	require.NoError(t, err)

	resp, body := s.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "node-1", body["node_id"])
	assert.EqualValues(t, 1, body["active_pin_count"])
	assert.EqualValues(t, 0, body["success_count"])
	assert.Equal(t, true, body["is_reporting_node"])
}

func TestPinDiagnostics(t *testing.T) {
	s := newServer(t)
	get := func(key string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodGet, s.URL+"/diagnostics/pins/"+phone, nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("X-Diagnostics-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]any{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, body := get("")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication failed", body["error"])
	resp, _ = get("wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = get("diag-key")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["pending"])

	_, err := s.pins.IssuePin(context.Background(), phone)
	require.NoError(t, err)
	r, _ := s.post(t, "/sms/dlr", map[string]any{"transactionId": "tx-9", "recipient": "+47" + phone, "statusCode": "DELIVERED", "delivered": true})
	require.Equal(t, http.StatusOK, r.StatusCode)

	_, body = get("diag-key")
	assert.Equal(t, true, body["pending"])
	assert.Equal(t, "1234", body["pin"])
	assert.Contains(t, body["delivery_report"], "tx-9")

	r, _ = s.post(t, "/pins/verify", map[string]string{"phone": phone, "pin": "1234"})
	assert.Equal(t, http.StatusOK, r.StatusCode, "peeking does not consume")
}

func TestPinDiagnosticsDisabledWithoutKey(t *testing.T) {
	h := NewHandlers(Handlers{NodeID: "node-1"}, nil)
	rec := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics/pins/"+phone, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
