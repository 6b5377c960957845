// Package fiberauth adapts the permit Engine to Fiber handlers.
package fiberauth

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/oarkflow/permit"
)

// DecisionKey is the Locals key holding the *permit.Decision of an allowed request.
const DecisionKey = "permit_decision"

// Options configures the Fiber authorization middleware.
type Options struct {
	Engine *permit.Engine
	// Resolve builds the authorization request; DefaultResolver when nil.
	Resolve  func(c *fiber.Ctx) (*permit.Request, error)
	OnDenied func(c *fiber.Ctx, decision *permit.Decision) error
	OnError  func(c *fiber.Ctx, err error) error
}

// DefaultResolver mirrors permit.DefaultRequestResolver for Fiber contexts.
func DefaultResolver(c *fiber.Ctx) (*permit.Request, error) {
	tenant := c.Get(permit.HeaderTenant)
	if tenant == "" {
		return nil, errors.New("missing " + permit.HeaderTenant + " header")
	}
	query := map[string]any{}
	for k, v := range c.Queries() {
		query[k] = v
	}
	return &permit.Request{
		Action:   c.Method(),
		Resource: c.Path(),
		TenantID: tenant,
		Actor:    c.Get(permit.HeaderActor),
		Context: map[string]any{
			"method": c.Method(),
			"host":   c.Hostname(),
			"query":  query,
		},
	}, nil
}

func New(opts Options) fiber.Handler {
	if opts.Resolve == nil {
		opts.Resolve = DefaultResolver
	}
	if opts.OnDenied == nil {
		opts.OnDenied = func(c *fiber.Ctx, _ *permit.Decision) error {
			return c.Status(http.StatusForbidden).SendString("forbidden")
		}
	}
	if opts.OnError == nil {
		opts.OnError = func(c *fiber.Ctx, _ error) error {
			return c.Status(http.StatusInternalServerError).SendString("internal error")
		}
	}
	return func(c *fiber.Ctx) error {
		if opts.Engine == nil {
			return opts.OnError(c, errors.New("authorization middleware has no engine"))
		}
		req, err := opts.Resolve(c)
		if err != nil {
			return opts.OnError(c, err)
		}
		dec, err := opts.Engine.Authorize(c.UserContext(), req)
		if err != nil {
			return opts.OnError(c, err)
		}
		if !dec.Allowed {
			return opts.OnDenied(c, dec)
		}
		c.Locals(DecisionKey, dec)
		return c.Next()
	}
}
