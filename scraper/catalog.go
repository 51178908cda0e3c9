package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricewatch/config"
	"pricewatch/models"
)

const maxBodySize = 8 << 20

// Page is one page of catalog results.
type Page struct {
	Number     int
	Listings   []models.RawListing
	TotalPages int // 0 when the catalog sent no pagination block
	Last       bool
}

// Result is everything one catalog walk returned for a term.
type Result struct {
	Listings []models.RawListing
	Pages    int
	// Truncated is set when the catalog had more pages than MaxPages allows,
	// so Listings is not the full visible set.
	Truncated bool
}

// Fetcher is what an ingestion cycle needs from the catalog.
type Fetcher interface {
	FetchAll(ctx context.Context, term string) (*Result, error)
}

// Client talks to the marketplace catalog search endpoint.
// It holds no mutable state and is safe for concurrent use.
type Client struct {
	cfg     config.CatalogConfig
	client  *http.Client
	backoff *Backoff
	logger  *zap.Logger
}

func NewClient(cfg config.CatalogConfig, client *http.Client, logger *zap.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: cfg.PageTimeout + 5*time.Second}
	}
	return &Client{
		cfg:    cfg,
		client: client,
		backoff: &Backoff{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Logger:      logger,
		},
		logger: logger,
	}
}

// Fetch returns one page of results for term, retrying transient failures.
func (c *Client) Fetch(ctx context.Context, term string, page int) (*Page, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, ErrEmptySearchTerm
	}
	if page < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPage, page)
	}

	var result *Page
	op := fmt.Sprintf("fetch %q page %d", term, page)
	err := c.backoff.Do(ctx, op, func(ctx context.Context) error {
		p, err := c.fetchOnce(ctx, term, page)
		if err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("catalog page fetched",
		zap.String("term", term),
		zap.Int("page", page),
		zap.Int("listings", len(result.Listings)),
		zap.Bool("last", result.Last))
	return result, nil
}

// Pages walks the catalog lazily from page 1. Every range over the returned
// sequence starts again from the first page. The sequence ends after the last
// page or on the first error, which is yielded with a nil page.
func (c *Client) Pages(ctx context.Context, term string) iter.Seq2[*Page, error] {
	return c.pagesFrom(ctx, term, 1)
}

// pagesFrom holds the stop rules shared by Pages and FetchAll: the last page,
// the first error, or MaxPages.
func (c *Client) pagesFrom(ctx context.Context, term string, start int) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for n := start; n <= c.cfg.MaxPages; n++ {
			page, err := c.Fetch(ctx, term, n)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) || page.Last {
				return
			}
		}
	}
}

// FetchAll collects every listing currently visible for term, in page order.
// When the first page reports the page count the rest are fetched
// concurrently; otherwise pages are walked one by one. A walk cut short by
// MaxPages is reported through Result.Truncated.
func (c *Client) FetchAll(ctx context.Context, term string) (*Result, error) {
	first, err := c.Fetch(ctx, term, 1)
	if err != nil {
		return nil, fmt.Errorf("page 1: %w", err)
	}
	if first.Last {
		return &Result{Listings: first.Listings, Pages: 1}, nil
	}
	if first.TotalPages > 1 {
		return c.fetchRest(ctx, term, first)
	}

	res := &Result{Listings: first.Listings, Pages: 1}
	last := first
	for page, err := range c.pagesFrom(ctx, term, 2) {
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", res.Pages+1, err)
		}
		res.Listings = append(res.Listings, page.Listings...)
		res.Pages = page.Number
		last = page
	}
	if !last.Last {
		res.Truncated = true
		c.warnTruncated(term, res.Pages, 0)
	}
	return res, nil
}

// fetchRest fetches pages 2..TotalPages concurrently, capped at MaxPages.
func (c *Client) fetchRest(ctx context.Context, term string, first *Page) (*Result, error) {
	last := min(first.TotalPages, c.cfg.MaxPages)
	pages := make([][]models.RawListing, last+1)
	pages[1] = first.Listings

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Concurrency, 1))
	for n := 2; n <= last; n++ {
		g.Go(func() error {
			page, err := c.Fetch(gctx, term, n)
			if err != nil {
				return fmt.Errorf("page %d: %w", n, err)
			}
			pages[n] = page.Listings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Pages: last, Truncated: first.TotalPages > last}
	for _, listings := range pages {
		res.Listings = append(res.Listings, listings...)
	}
	if res.Truncated {
		c.warnTruncated(term, last, first.TotalPages)
	}
	return res, nil
}

func (c *Client) warnTruncated(term string, fetched, total int) {
	c.logger.Warn("catalog walk stopped at max pages, result is incomplete",
		zap.String("term", term),
		zap.Int("fetched_pages", fetched),
		zap.Int("total_pages", total),
		zap.Int("max_pages", c.cfg.MaxPages))
}

func (c *Client) fetchOnce(ctx context.Context, term string, page int) (*Page, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.pageURL(term, page), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, &NetworkError{StatusCode: resp.StatusCode, Err: errors.New(describeBody(resp.Header.Get("Content-Type"), body))}
	case resp.StatusCode >= 400:
		return nil, &CatalogError{StatusCode: resp.StatusCode, Message: describeBody(resp.Header.Get("Content-Type"), body)}
	case resp.StatusCode != http.StatusOK:
		return nil, &CatalogError{StatusCode: resp.StatusCode, Message: "unexpected status"}
	}

	listings, totalPages, err := decodeCatalogPage(body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	last := len(listings) == 0 ||
		len(listings) < c.cfg.PerPage ||
		(totalPages > 0 && page >= totalPages)

	return &Page{
		Number:     page,
		Listings:   listings,
		TotalPages: totalPages,
		Last:       last,
	}, nil
}

func (c *Client) pageURL(term string, page int) string {
	q := url.Values{}
	q.Set("search_text", term)
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.cfg.PerPage))

	sep := "?"
	if strings.Contains(c.cfg.BaseURL, "?") {
		sep = "&"
	}
	return c.cfg.BaseURL + sep + q.Encode()
}

type catalogResponse struct {
	Items      *[]catalogItem `json:"items"`
	Pagination *struct {
		CurrentPage  int `json:"current_page"`
		TotalPages   int `json:"total_pages"`
		TotalEntries int `json:"total_entries"`
		PerPage      int `json:"per_page"`
	} `json:"pagination"`
}

type catalogItem struct {
	ID         flexString   `json:"id"`
	Title      string       `json:"title"`
	Price      catalogPrice `json:"price"`
	Currency   string       `json:"currency"`
	Status     string       `json:"status"`
	IsReserved bool         `json:"is_reserved"`
	IsClosed   bool         `json:"is_closed"`
	IsHidden   bool         `json:"is_hidden"`
	URL        string       `json:"url"`
}

// catalogPrice accepts {"amount": "20.0", "currency_code": "EUR"} as well as
// a bare number or string.
type catalogPrice struct {
	Amount       flexString `json:"amount"`
	CurrencyCode string     `json:"currency_code"`
}

func (p *catalogPrice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		type plain catalogPrice
		return json.Unmarshal(data, (*plain)(p))
	}
	return json.Unmarshal(data, &p.Amount)
}

// flexString decodes a JSON string or number into its textual form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

func decodeCatalogPage(body []byte) ([]models.RawListing, int, error) {
	var resp catalogResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, err
	}
	if resp.Items == nil {
		return nil, 0, errors.New("missing items array")
	}

	listings := make([]models.RawListing, 0, len(*resp.Items))
	for i, item := range *resp.Items {
		listing, err := item.toRaw()
		if err != nil {
			return nil, 0, fmt.Errorf("item %d: %w", i, err)
		}
		listings = append(listings, listing)
	}

	totalPages := 0
	if resp.Pagination != nil {
		totalPages = resp.Pagination.TotalPages
	}
	return listings, totalPages, nil
}

func (it catalogItem) toRaw() (models.RawListing, error) {
	id := strings.TrimSpace(string(it.ID))
	if id == "" {
		return models.RawListing{}, errors.New("missing id")
	}

	amount, err := models.ParseAmount(string(it.Price.Amount))
	if err != nil {
		return models.RawListing{}, fmt.Errorf("id %s: %w", id, err)
	}
	currency := it.Price.CurrencyCode
	if currency == "" {
		currency = it.Currency
	}

	status := models.ParseStatus(it.Status)
	switch {
	case it.IsClosed:
		status = models.StatusSold
	case it.IsHidden:
		status = models.StatusRemoved
	case it.IsReserved:
		status = models.StatusReserved
	}

	return models.RawListing{
		ID:     id,
		Title:  it.Title,
		Price:  models.Money{Amount: amount, Currency: strings.ToUpper(currency)},
		Status: status,
		URL:    it.URL,
	}, nil
}

// describeBody turns an error response into a short message: the <title> of
// an HTML page, the message field of a JSON body, or the truncated text.
func describeBody(contentType string, body []byte) string {
	if strings.Contains(contentType, "html") {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err == nil {
			if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
				return title
			}
		}
	}

	var jsonBody struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &jsonBody) == nil {
		if jsonBody.Message != "" {
			return jsonBody.Message
		}
		if jsonBody.Error != "" {
			return jsonBody.Error
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		text = "empty body"
	}
	return text
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
