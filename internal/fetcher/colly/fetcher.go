// Package collyfetcher implements memento.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/timetravel/internal/memento"
	"github.com/JakeFAU/timetravel/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// FollowRedirects lets the collector chase 3xx responses. When false the
	// redirect itself is returned so Location headers can be inspected.
	FollowRedirects bool
	Limiter         Limiter
}

// Fetcher implements memento.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	// Archives answer with 3xx/4xx/5xx on purpose; hand every status to OnResponse.
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if !cfg.FollowRedirects {
		c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request memento.Request) (memento.Response, error) {
	if request.URL == "" {
		return memento.Response{}, fmt.Errorf("request url is required")
	}
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return memento.Response{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	start := time.Now()
	result, err := f.runCollector(ctx, f.baseCollector.Clone(), request, start)
	metrics.ObserveArchiveRequest(request.URL, result.StatusCode, time.Since(start), err)
	if err != nil {
		return memento.Response{}, err
	}
	return result, nil
}

// fetchOutcome is what the collector goroutine hands back to Fetch. The
// goroutine owns the response until it sends, so a canceled Fetch never
// reads state the hooks may still write.
type fetchOutcome struct {
	resp memento.Response
	err  error
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request memento.Request,
	start time.Time,
	result *memento.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = memento.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request memento.Request,
	start time.Time,
) (memento.Response, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	var hdr http.Header
	var body io.Reader
	if request.Form != nil {
		hdr = http.Header{}
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
		body = strings.NewReader(request.Form.Encode())
	}

	done := make(chan fetchOutcome, 1)
	go func() {
		var (
			resp     memento.Response
			fetchErr error
		)
		f.configureCollectorHooks(collector, request, start, &resp, &fetchErr)
		if err := collector.Request(method, request.URL, body, nil, hdr); err != nil {
			done <- fetchOutcome{err: fmt.Errorf("colly %s %s failed: %w", method, request.URL, err)}
			return
		}
		if fetchErr != nil {
			done <- fetchOutcome{err: fmt.Errorf("colly response failed: %w", fetchErr)}
			return
		}
		done <- fetchOutcome{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return memento.Response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case out := <-done:
		return out.resp, out.err
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	if headers == nil {
		return
	}
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
