package routes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/compliance-ledger/api/controllers"
	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/internal/storage/memory"
	"github.com/angelmondragon/compliance-ledger/pkg/auth"
	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
	"github.com/angelmondragon/compliance-ledger/pkg/metrics"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

const appendBody = `{"event":{"event_type":"audit_log","log_id":"log-1","action":"login","actor":"ops","resource":"console","timestamp":"2024-03-01T08:00:00Z"}}`

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "dev"},
		JWT: config.JWTConfig{
			Secret:            "router-test-secret",
			Issuer:            "compliance-ledger",
			ExpirationMinutes: 5,
		},
	}
}

func newTestRouter(t *testing.T, readiness map[string]controllers.Pinger) (http.Handler, *config.Config) {
	t.Helper()
	manager, err := ledger.NewManager(ledger.Params{
		Store:    memory.New(chain.SHA256{}, nil),
		Policy:   compliance.Static(&compliance.Policy{Validator: compliance.NewValidator(), Gate: compliance.NewGate(compliance.DefaultThreshold)}),
		Digester: chain.SHA256{},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	cfg := testConfig()
	reg := prometheus.NewRegistry()
	router := NewRouter(cfg, logger.Nop(), manager, nil, readiness, metrics.NewHTTPMetrics(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return router, cfg
}

func token(t *testing.T, cfg *config.Config, role enums.ActorRole, chains ...string) string {
	t.Helper()
	signed, err := auth.MintAccessToken(cfg.JWT, time.Now(), auth.AccessTokenPayload{
		Subject: "ops-1",
		Role:    role,
		Chains:  chains,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return signed
}

func serve(router http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthRoutes(t *testing.T) {
	router, _ := newTestRouter(t, map[string]controllers.Pinger{"db": stubPinger{}})

	if rec := serve(router, http.MethodGet, "/health/live", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200 got %d", rec.Code)
	}
	if rec := serve(router, http.MethodGet, "/health/ready", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200 got %d", rec.Code)
	}

	failing, _ := newTestRouter(t, map[string]controllers.Pinger{"db": stubPinger{err: errors.New("down")}})
	if rec := serve(failing, http.MethodGet, "/health/ready", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing dependency: expected 503 got %d", rec.Code)
	}
}

func TestAppendRouteWithoutRedis(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := serve(router, http.MethodPost, "/api/v1/chains/audit/events", appendBody, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}

	rec = serve(router, http.MethodGet, "/api/v1/chains", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"chain_id":"audit"`) {
		t.Fatalf("unexpected chain list %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSealRequiresOperator(t *testing.T) {
	router, cfg := newTestRouter(t, nil)
	path := "/api/v1/chains/audit/seal"

	tests := []struct {
		name   string
		bearer string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"auditor", token(t, cfg, enums.ActorRoleAuditor), http.StatusForbidden},
		{"operator scoped elsewhere", token(t, cfg, enums.ActorRoleOperator, "payments"), http.StatusForbidden},
		{"operator", token(t, cfg, enums.ActorRoleOperator, "audit"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodPost, path, "", tt.bearer)
			if rec.Code != tt.want {
				t.Fatalf("expected %d got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := serve(router, http.MethodPost, "/api/v1/chains/audit/events", appendBody, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("append after seal: expected 409 got %d", rec.Code)
	}
}

func TestVerifyAllowsAuditor(t *testing.T) {
	router, cfg := newTestRouter(t, nil)
	serve(router, http.MethodPost, "/api/v1/chains/audit/events", appendBody, "")

	rec := serve(router, http.MethodGet, "/api/v1/chains/audit/verify", "", token(t, cfg, enums.ActorRoleAuditor))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Fatalf("unexpected report %s", rec.Body.String())
	}
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	serve(router, http.MethodPost, "/api/v1/chains/audit/events", appendBody, "")

	rec := serve(router, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200 got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `route="/api/v1/chains/{chainId}/events"`) {
		t.Fatalf("expected route pattern label in metrics:\n%s", body)
	}
	if strings.Contains(body, `route="/api/v1/chains/audit/events"`) {
		t.Fatal("raw path leaked into metric labels")
	}
}
