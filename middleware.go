package permit

import (
	"context"
	"errors"
	"net/http"
)

type decisionCtxKey struct{}

// ContextWithDecision stores d in ctx for downstream handlers.
func ContextWithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionCtxKey{}, d)
}

// DecisionFromContext returns the decision attached by the middleware.
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionCtxKey{}).(*Decision)
	return d, ok
}

// Default header names used by DefaultRequestResolver.
const (
	HeaderTenant = "X-Tenant-ID"
	HeaderActor  = "X-Actor-ID"
)

// HTTPOptions configures the net/http authorization middleware.
type HTTPOptions struct {
	// Resolve builds the authorization Request for an inbound request.
	Resolve  func(r *http.Request) (*Request, error)
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *Decision)
	OnError  func(w http.ResponseWriter, r *http.Request, err error)
}

// DefaultRequestResolver maps the HTTP method to the action, the URL path to
// the resource and takes tenant and actor from headers.
func DefaultRequestResolver(r *http.Request) (*Request, error) {
	tenant := r.Header.Get(HeaderTenant)
	if tenant == "" {
		return nil, errors.New("missing " + HeaderTenant + " header")
	}
	return &Request{
		Action:   r.Method,
		Resource: r.URL.Path,
		TenantID: tenant,
		Actor:    r.Header.Get(HeaderActor),
		Context: map[string]any{
			"method": r.Method,
			"host":   r.Host,
			"query":  flattenQuery(r),
		},
	}, nil
}

func flattenQuery(r *http.Request) map[string]any {
	q := r.URL.Query()
	out := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// DefaultHTTPOptions answers 403 on deny and 500 on error.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		Resolve: DefaultRequestResolver,
		OnDenied: func(w http.ResponseWriter, r *http.Request, decision *Decision) {
			http.Error(w, "forbidden", http.StatusForbidden)
		},
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		},
	}
}

// NewHTTPMiddleware returns a handler wrapper that authorizes each request
// with engine. The wrapped handler runs only on an allow decision; the
// decision is available to it through DecisionFromContext.
func NewHTTPMiddleware(engine *Engine, opts HTTPOptions) func(next http.Handler) http.Handler {
	def := DefaultHTTPOptions()
	if opts.Resolve == nil {
		opts.Resolve = def.Resolve
	}
	if opts.OnDenied == nil {
		opts.OnDenied = def.OnDenied
	}
	if opts.OnError == nil {
		opts.OnError = def.OnError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				opts.OnError(w, r, errors.New("authorization middleware has no engine"))
				return
			}
			req, err := opts.Resolve(r)
			if err != nil {
				opts.OnError(w, r, err)
				return
			}
			dec, err := engine.Authorize(r.Context(), req)
			if err != nil {
				opts.OnError(w, r, err)
				return
			}
			if !dec.Allowed {
				opts.OnDenied(w, r, dec)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithDecision(r.Context(), dec)))
		})
	}
}
