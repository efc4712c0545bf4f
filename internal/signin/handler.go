package signin

import (
	"context"

	logx "signbot/pkg/logx"
)

// Handler is the per-site strategy contract. Implementations are stateless
// across invocations except for an optional injected answer cache.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string
	// MatchURL reports whether this handler owns the site at url.
	MatchURL(url string) bool
	// MatchSchema reports whether this handler covers a whole site
	// framework (e.g. "NexusPhp"). Domain-specific handlers return false.
	MatchSchema(schema string) bool

	SignIn(ctx context.Context, site Site) Result
	Login(ctx context.Context, site Site) Result
}

// HandlerRegistry resolves a site to its strategy. Registration order is
// resolution order; first match wins. Handlers are expected to own
// non-overlapping domains.
type HandlerRegistry struct {
	handlers []Handler
	log      logx.Logger
}

func NewHandlerRegistry(log logx.Logger) *HandlerRegistry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HandlerRegistry{log: log}
}

func (r *HandlerRegistry) Register(hs ...Handler) {
	for _, h := range hs {
		if h == nil {
			continue
		}
		r.handlers = append(r.handlers, h)
		r.log.Debug("site handler registered", logx.String("handler", h.Name()))
	}
}

// Resolve returns the first handler matching the site URL, or nil.
func (r *HandlerRegistry) Resolve(url string) Handler {
	for _, h := range r.handlers {
		if h.MatchURL(url) {
			return h
		}
	}
	return nil
}

// ResolveSchema returns the first handler matching the framework tag, or nil.
func (r *HandlerRegistry) ResolveSchema(schema string) Handler {
	if schema == "" {
		return nil
	}
	for _, h := range r.handlers {
		if h.MatchSchema(schema) {
			return h
		}
	}
	return nil
}
