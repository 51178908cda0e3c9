package scraper

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"pricewatch/config"
)

// TermRouter sends each term to a client carrying that term's overrides,
// falling back to the shared client.
type TermRouter struct {
	base    *Client
	perTerm map[string]*Client
}

func NewTermRouter(cfg *config.Config, client *http.Client, logger *zap.Logger) *TermRouter {
	r := &TermRouter{
		base:    NewClient(cfg.Catalog, client, logger),
		perTerm: make(map[string]*Client),
	}
	for name, tc := range cfg.Terms {
		if tc.PerPage > 0 && tc.PerPage != cfg.Catalog.PerPage {
			cc := cfg.Catalog
			cc.PerPage = tc.PerPage
			r.perTerm[name] = NewClient(cc, client, logger.With(zap.String("term", name)))
		}
	}
	return r
}

func (r *TermRouter) For(term string) *Client {
	if c, ok := r.perTerm[term]; ok {
		return c
	}
	return r.base
}

func (r *TermRouter) FetchAll(ctx context.Context, term string) (*Result, error) {
	return r.For(term).FetchAll(ctx, term)
}
