package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/config"
	"github.com/vipul43/finsync-worker/internal/service"
)

type mockConnector struct {
	startOAuthFunc     func(ctx context.Context, id service.Identity, req service.StartRequest) (string, error)
	completeOAuthFunc  func(ctx context.Context, code, state string) (*service.CallbackResult, error)
	disconnectFunc     func(ctx context.Context, id service.Identity, environment string) error
	statusFunc         func(ctx context.Context, companyID int64, environment string) (*service.Status, error)
	testConnectionFunc func(ctx context.Context, companyID int64, environment string) (*service.TestResult, error)
	triggerSyncFunc    func(ctx context.Context, id service.Identity, environment string) (service.Outcome, error)
	getSettingsFunc    func(ctx context.Context, companyID int64, environment string) (*service.SettingsView, error)
	updateSettingsFunc func(ctx context.Context, id service.Identity, req service.SettingsUpdate) (*service.SettingsView, error)
}

func (m *mockConnector) StartOAuth(ctx context.Context, id service.Identity, req service.StartRequest) (string, error) {
	return m.startOAuthFunc(ctx, id, req)
}

func (m *mockConnector) CompleteOAuth(ctx context.Context, code, state string) (*service.CallbackResult, error) {
	return m.completeOAuthFunc(ctx, code, state)
}

func (m *mockConnector) Disconnect(ctx context.Context, id service.Identity, environment string) error {
	return m.disconnectFunc(ctx, id, environment)
}

func (m *mockConnector) Status(ctx context.Context, companyID int64, environment string) (*service.Status, error) {
	return m.statusFunc(ctx, companyID, environment)
}

func (m *mockConnector) TestConnection(ctx context.Context, companyID int64, environment string) (*service.TestResult, error) {
	return m.testConnectionFunc(ctx, companyID, environment)
}

func (m *mockConnector) TriggerSync(ctx context.Context, id service.Identity, environment string) (service.Outcome, error) {
	return m.triggerSyncFunc(ctx, id, environment)
}

func (m *mockConnector) GetSettings(ctx context.Context, companyID int64, environment string) (*service.SettingsView, error) {
	return m.getSettingsFunc(ctx, companyID, environment)
}

func (m *mockConnector) UpdateSettings(ctx context.Context, id service.Identity, req service.SettingsUpdate) (*service.SettingsView, error) {
	return m.updateSettingsFunc(ctx, id, req)
}

type mockReceiver struct {
	receiveFunc func(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error)
}

func (m *mockReceiver) Receive(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error) {
	return m.receiveFunc(ctx, body, signature)
}

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.New().ServeHTTP(rec, req)
	return rec
}

func authed(req *http.Request) *http.Request {
	req.Header.Set(HeaderCompanyID, "42")
	req.Header.Set(HeaderUserID, "7")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body, got %q", rec.Body.String())
	}
	return body.Error
}

func TestRequireIdentity(t *testing.T) {
	conn := &mockConnector{
		statusFunc: func(ctx context.Context, companyID int64, environment string) (*service.Status, error) {
			return &service.Status{Environment: environment}, nil
		},
	}
	s := NewServer(conn, nil, config.EnvSandbox)

	tests := []struct {
		name     string
		company  string
		user     string
		wantCode int
	}{
		{name: "missing", wantCode: http.StatusUnauthorized},
		{name: "not numeric", company: "acme", wantCode: http.StatusUnauthorized},
		{name: "zero", company: "0", wantCode: http.StatusUnauthorized},
		{name: "bad user", company: "42", user: "x", wantCode: http.StatusUnauthorized},
		{name: "company only", company: "42", wantCode: http.StatusOK},
		{name: "company and user", company: "42", user: "7", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/connectors/wise/status", nil)
			if tt.company != "" {
				req.Header.Set(HeaderCompanyID, tt.company)
			}
			if tt.user != "" {
				req.Header.Set(HeaderUserID, tt.user)
			}
			rec := serve(t, s, req)
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d (%s)", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOAuthStart(t *testing.T) {
	var got service.StartRequest
	var gotID service.Identity
	conn := &mockConnector{
		startOAuthFunc: func(ctx context.Context, id service.Identity, req service.StartRequest) (string, error) {
			gotID, got = id, req
			return "https://sandbox.example.test/oauth/authorize?state=abc", nil
		},
	}
	s := NewServer(conn, nil, config.EnvSandbox)

	req := authed(httptest.NewRequest(http.MethodGet, "/connectors/wise/oauth/start?environment=production&include_write=true&return_url=%2Fdone", nil))
	rec := serve(t, s, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d (%s)", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "https://sandbox.example.test/oauth/authorize?state=abc" {
		t.Errorf("unexpected location %q", loc)
	}
	if gotID.CompanyID != 42 || gotID.UserID != 7 {
		t.Errorf("unexpected identity %+v", gotID)
	}
	if got.Environment != config.EnvProduction || !got.IncludeWrite || got.ReturnURL != "/done" {
		t.Errorf("unexpected start request %+v", got)
	}
}

func TestEnvironmentValidation(t *testing.T) {
	called := false
	conn := &mockConnector{
		statusFunc: func(ctx context.Context, companyID int64, environment string) (*service.Status, error) {
			called = true
			return &service.Status{}, nil
		},
	}
	s := NewServer(conn, nil, config.EnvSandbox)

	rec := serve(t, s, authed(httptest.NewRequest(http.MethodGet, "/connectors/wise/status?environment=staging", nil)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if called {
		t.Error("expected service not called for invalid environment")
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{name: "validation", err: apperr.Validation("Write scopes are disabled"), wantCode: http.StatusBadRequest, wantMsg: "Write scopes are disabled"},
		{name: "config", err: apperr.Config("oauth_start", "WISE_REDIRECT_URI not configured"), wantCode: http.StatusInternalServerError, wantMsg: "WISE_REDIRECT_URI not configured"},
		{name: "credential", err: apperr.Credential("refresh", "Wise credentials rejected", errors.New("invalid_grant: secret detail")), wantCode: http.StatusBadRequest, wantMsg: "Wise credentials rejected"},
		{name: "hard provider hides body", err: apperr.Hard("wise_request", 422, `{"token":"leak"}`), wantCode: http.StatusBadGateway, wantMsg: "Wise API error (status 422)"},
		{name: "disabled", err: apperr.Disabled("Wise write mode disabled"), wantCode: http.StatusForbidden, wantMsg: "Wise write mode disabled"},
		{name: "plain error", err: errors.New("pq: connection refused"), wantCode: http.StatusInternalServerError, wantMsg: "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &mockConnector{
				startOAuthFunc: func(ctx context.Context, id service.Identity, req service.StartRequest) (string, error) {
					return "", tt.err
				},
			}
			rec := serve(t, NewServer(conn, nil, config.EnvSandbox), authed(httptest.NewRequest(http.MethodGet, "/connectors/wise/oauth/start", nil)))
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if msg := decodeError(t, rec); msg != tt.wantMsg {
				t.Errorf("expected %q, got %q", tt.wantMsg, msg)
			}
			if strings.Contains(rec.Body.String(), "leak") || strings.Contains(rec.Body.String(), "secret detail") {
				t.Errorf("response leaked internals: %s", rec.Body.String())
			}
		})
	}
}

func TestOAuthCallback_NoIdentityRequired(t *testing.T) {
	conn := &mockConnector{
		completeOAuthFunc: func(ctx context.Context, code, state string) (*service.CallbackResult, error) {
			if code != "c" || state != "s" {
				t.Errorf("unexpected code/state %q %q", code, state)
			}
			return &service.CallbackResult{Status: "connected"}, nil
		},
	}
	rec := serve(t, NewServer(conn, nil, config.EnvSandbox), httptest.NewRequest(http.MethodGet, "/connectors/wise/oauth/callback?code=c&state=s", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"connected"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestTriggerSync(t *testing.T) {
	tests := []struct {
		outcome  service.Outcome
		wantCode int
	}{
		{outcome: service.OutcomeQueued, wantCode: http.StatusAccepted},
		{outcome: service.OutcomeLocked, wantCode: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			conn := &mockConnector{
				triggerSyncFunc: func(ctx context.Context, id service.Identity, environment string) (service.Outcome, error) {
					return tt.outcome, nil
				},
			}
			rec := serve(t, NewServer(conn, nil, config.EnvSandbox), authed(httptest.NewRequest(http.MethodPost, "/connectors/wise/sync", nil)))
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"status":"`+string(tt.outcome)+`"`) {
				t.Errorf("unexpected body %s", rec.Body.String())
			}
		})
	}
}

func TestUpdateSettings(t *testing.T) {
	var got service.SettingsUpdate
	conn := &mockConnector{
		updateSettingsFunc: func(ctx context.Context, id service.Identity, req service.SettingsUpdate) (*service.SettingsView, error) {
			got = req
			return &service.SettingsView{Environment: config.EnvSandbox, HasClientSecret: true}, nil
		},
	}
	body := `{"wise_client_id":"app","wise_client_secret":"shh","auth_mode":"oauth"}`
	req := authed(httptest.NewRequest(http.MethodPatch, "/connectors/wise/settings", strings.NewReader(body)))
	req.Header.Set("Content-Type", "application/json")

	rec := serve(t, NewServer(conn, nil, config.EnvSandbox), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got.ClientID == nil || *got.ClientID != "app" || got.ClientSecret != "shh" || got.AuthMode != "oauth" {
		t.Errorf("unexpected bound request %+v", got)
	}
	if strings.Contains(rec.Body.String(), "shh") {
		t.Errorf("response echoed secret: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"has_client_secret":true`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestWebhook(t *testing.T) {
	var gotBody []byte
	var gotSig string
	recv := &mockReceiver{
		receiveFunc: func(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error) {
			gotBody, gotSig = body, signature
			if signature == "bad" {
				return nil, apperr.Signature("Invalid signature")
			}
			return &service.WebhookResult{Status: "ok", CompanyID: 42}, nil
		},
	}
	s := NewServer(nil, recv, config.EnvSandbox)
	payload := `{"subscriptionId":"sub-1",  "eventType":"balances#credit"}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/wise", strings.NewReader(payload))
	req.Header.Set(HeaderSignature, "abc123")
	rec := serve(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if string(gotBody) != payload || gotSig != "abc123" {
		t.Errorf("expected raw body and signature passed through, got %q %q", gotBody, gotSig)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/wise", strings.NewReader(payload))
	req.Header.Set(HeaderSignature, "bad")
	rec = serve(t, s, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "finsync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	healthy := true
	s := NewServer(nil, nil, config.EnvSandbox,
		WithMetrics(reg),
		WithHealthCheck(func(ctx context.Context) error {
			if !healthy {
				return errors.New("db down")
			}
			return nil
		}),
	)

	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	healthy = false
	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !strings.Contains(string(body), "finsync_test_total 1") {
		t.Errorf("expected metric exposed, got %d %s", rec.Code, body)
	}
}
