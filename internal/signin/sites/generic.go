package sites

import (
	"context"

	"signbot/internal/fetch"
	"signbot/internal/signin"
	logx "signbot/pkg/logx"
)

// Generic is the fallback strategy for sites without a dedicated handler.
// Check-in hits the conventional attendance endpoint and classifies the
// returned page; login only verifies the session on the front page.
type Generic struct {
	fetcher *fetch.Client
	log     logx.Logger
}

func NewGeneric(fetcher *fetch.Client, log logx.Logger) *Generic {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generic{fetcher: fetcher, log: log}
}

func (g *Generic) Name() string            { return "generic" }
func (g *Generic) MatchURL(string) bool    { return false }
func (g *Generic) MatchSchema(string) bool { return false }

func (g *Generic) SignIn(ctx context.Context, site signin.Site) signin.Result {
	target := joinURL(site.URL, "/attendance.php")
	g.log.Info("checking in", logx.String("site", site.Name), logx.String("url", target))
	content := g.fetcher.Page(ctx, pageRequest(site, target))
	return signin.Classify(content, signin.TaskSignIn)
}

func (g *Generic) Login(ctx context.Context, site signin.Site) signin.Result {
	g.log.Info("verifying session", logx.String("site", site.Name), logx.String("url", site.URL))
	content := g.fetcher.Page(ctx, pageRequest(site, site.URL))
	return signin.Classify(content, signin.TaskLogin)
}
