// Package preview keeps the agent's live workspace view warm after the
// workspace changes.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const requestTimeout = 10 * time.Second

var ErrNoURL = errors.New("preview: no url")

// Status is the outcome of the last refresh that went out.
type Status struct {
	URL  string
	Code int
	At   time.Time
	Err  error
}

// Refresher reloads a preview URL. Calls closer together than the configured
// interval are dropped, so it is safe to call on every update cycle.
type Refresher struct {
	client    *http.Client
	lim       *rate.Limiter
	log       *slog.Logger
	onRefresh func(Status)

	mu   sync.Mutex
	last Status
}

type Option func(*Refresher)

func WithHTTPClient(hc *http.Client) Option {
	return func(r *Refresher) { r.client = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.log = l }
}

// OnRefresh is called after each refresh that was not rate limited.
func OnRefresh(fn func(Status)) Option {
	return func(r *Refresher) { r.onRefresh = fn }
}

// New returns a Refresher allowing one refresh per minInterval; zero means
// no limit.
func New(minInterval time.Duration, opts ...Option) *Refresher {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	r := &Refresher{
		client: &http.Client{Timeout: requestTimeout},
		lim:    rate.NewLimiter(limit, 1),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Refresher) Refresh(ctx context.Context, url string) error {
	if url == "" {
		return ErrNoURL
	}
	if !r.lim.Allow() {
		r.log.Debug("preview: refresh rate limited", "url", url)
		return nil
	}

	st := Status{URL: url, At: time.Now()}
	st.Code, st.Err = r.fetch(ctx, url)
	r.mu.Lock()
	r.last = st
	r.mu.Unlock()
	if r.onRefresh != nil {
		r.onRefresh(st)
	}
	if st.Err != nil {
		r.log.Warn("preview: refresh failed", "url", url, "err", st.Err)
		return st.Err
	}
	r.log.Debug("preview: refreshed", "url", url, "status", st.Code)
	return nil
}

func (r *Refresher) fetch(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, fmt.Errorf("get %s: %s", url, resp.Status)
	}
	return resp.StatusCode, nil
}

// Last returns the most recent refresh outcome.
func (r *Refresher) Last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
