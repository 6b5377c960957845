package permit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/logger"
)

func newMiddlewareEngine(t *testing.T) *permit.Engine {
	t.Helper()
	eng, err := permit.NewEngine(permit.StaticRuleStore{
		permit.NewRuleBuilder().ID("get-reports").Tenant("acme").Actions("GET").Resources("/reports/*").MustBuild(),
		permit.NewRuleBuilder().ID("eu-only").Tenant("acme").Actions("POST").Resources("/reports/*").
			WhenJSON(`{"==":[{"var":"query.region"},"eu"]}`).MustBuild(),
		permit.NewRuleBuilder().ID("no-secret").Tenant("acme").Deny().Actions("*").Resources("/reports/secret").MustBuild(),
	}, permit.WithLogger(logger.NewNullLogger()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestHTTPMiddleware(t *testing.T) {
	eng := newMiddlewareEngine(t)
	var seen *permit.Decision
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = permit.DecisionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := permit.NewHTTPMiddleware(eng, permit.HTTPOptions{})(next)

	cases := []struct {
		method, target, tenant string
		want                   int
	}{
		{http.MethodGet, "/reports/q1", "acme", http.StatusOK},
		{http.MethodGet, "/reports/secret", "acme", http.StatusForbidden},
		{http.MethodGet, "/reports/q1", "globex", http.StatusForbidden},
		{http.MethodPost, "/reports/q1?region=eu", "acme", http.StatusOK},
		{http.MethodPost, "/reports/q1?region=us", "acme", http.StatusForbidden},
		{http.MethodGet, "/reports/q1", "", http.StatusInternalServerError},
	}
	for _, c := range cases {
		seen = nil
		req := httptest.NewRequest(c.method, c.target, nil)
		if c.tenant != "" {
			req.Header.Set(permit.HeaderTenant, c.tenant)
		}
		req.Header.Set(permit.HeaderActor, "alice")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Errorf("%s %s tenant=%q: got %d want %d", c.method, c.target, c.tenant, rec.Code, c.want)
		}
		if c.want == http.StatusOK && (seen == nil || !seen.Allowed) {
			t.Errorf("%s %s: handler did not receive the decision", c.method, c.target)
		}
	}
}

func TestHTTPMiddlewareCustomHandlers(t *testing.T) {
	eng := newMiddlewareEngine(t)
	var denied *permit.Decision
	opts := permit.HTTPOptions{
		Resolve: func(r *http.Request) (*permit.Request, error) {
			return &permit.Request{Action: "GET", Resource: "/reports/secret", TenantID: "acme"}, nil
		},
		OnDenied: func(w http.ResponseWriter, r *http.Request, d *permit.Decision) {
			denied = d
			w.WriteHeader(http.StatusUnauthorized)
		},
	}
	h := permit.NewHTTPMiddleware(eng, opts)(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected custom deny status, got %d", rec.Code)
	}
	if denied == nil || denied.MatchedBy != "no-secret" {
		t.Fatalf("expected decision from no-secret, got %+v", denied)
	}

	rec = httptest.NewRecorder()
	permit.NewHTTPMiddleware(nil, permit.HTTPOptions{})(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("missing engine should be an error, got %d", rec.Code)
	}
}
