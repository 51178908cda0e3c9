package httputil

import (
	"net/http"
	"net/url"
	"time"

	"pricewatch/config"
)

// NewCatalogClient builds the HTTP client used against the marketplace
// catalog. Per-request deadlines come from the caller's context, so the
// client-level timeout only guards against a stuck transport.
func NewCatalogClient(cfg *config.CatalogConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{
		Timeout:   cfg.PageTimeout + 5*time.Second,
		Transport: transport,
	}
}
