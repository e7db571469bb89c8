package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"warden/internal/domain"
	"warden/internal/security"
)

// Default outbound HTTP settings.
const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultHTTPMaxBody      = 1 << 20
	defaultHTTPMaxRedirects = 5
	defaultCBMaxFailures    = 5
	defaultCBTimeout        = 30 * time.Second
	defaultCBInterval       = 60 * time.Second
	defaultMaxBreakers      = 64
)

var (
	errRedirectDenied = fmt.Errorf("redirect target not allowed: %w", domain.ErrPermissionDenied)
	errBodyTooLarge   = fmt.Errorf("response body too large: %w", domain.ErrLimitReached)
	errHTTPStatus     = errors.New("unexpected HTTP status")
)

// BreakerConfig configures the per-host circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// HTTPConfig configures outbound requests made on behalf of guests.
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	MaxRedirects int           `yaml:"max_redirects"`
	// AllowPrivateNetworks disables the private/reserved address check.
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
	UserAgent            string        `yaml:"user_agent"`
	Breaker              BreakerConfig `yaml:"breaker"`
	// MaxBreakers caps the per-host breakers one fetcher keeps. The least
	// recently used breaker is dropped when a new host arrives.
	MaxBreakers int `yaml:"max_breakers"`
}

// DefaultHTTPConfig returns an HTTPConfig with sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      defaultHTTPTimeout,
		MaxBodyBytes: defaultHTTPMaxBody,
		MaxRedirects: defaultHTTPMaxRedirects,
		UserAgent:    "warden-plugin/1",
		MaxBreakers:  defaultMaxBreakers,
		Breaker: BreakerConfig{
			MaxFailures: defaultCBMaxFailures,
			Timeout:     defaultCBTimeout,
			Interval:    defaultCBInterval,
		},
	}
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	def := DefaultHTTPConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = def.MaxRedirects
	}
	if c.MaxBreakers <= 0 {
		c.MaxBreakers = def.MaxBreakers
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = def.Breaker.MaxFailures
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = def.Breaker.Timeout
	}
	if c.Breaker.Interval == 0 {
		c.Breaker.Interval = def.Breaker.Interval
	}
	return c
}

// HTTPFetcher performs GET requests for host_http_get. Each destination host
// has its own circuit breaker. Instances get their own fetcher via Fork, so
// breaker state is never shared between plugins.
type HTTPFetcher struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*hostBreaker
	tick     uint64
}

type hostBreaker struct {
	cb       *gobreaker.CircuitBreaker[[]byte]
	lastUsed uint64
}

// NewHTTPFetcher creates a fetcher. Unless cfg.AllowPrivateNetworks is set,
// connections to private and reserved addresses are refused at dial time.
func NewHTTPFetcher(cfg HTTPConfig, logger *slog.Logger) *HTTPFetcher {
	cfg = cfg.withDefaults()
	client := &http.Client{Timeout: cfg.Timeout}
	if !cfg.AllowPrivateNetworks {
		client.Transport = security.NewSSRFSafeTransport(cfg.Timeout)
	}
	return &HTTPFetcher{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		breakers: make(map[string]*hostBreaker),
	}
}

// Fork returns a fetcher sharing f's client and settings with an empty
// breaker set.
func (f *HTTPFetcher) Fork(logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = f.logger
	}
	return &HTTPFetcher{
		cfg:      f.cfg,
		client:   f.client,
		logger:   logger,
		breakers: make(map[string]*hostBreaker),
	}
}

// breakerCount reports how many hosts currently have a breaker.
func (f *HTTPFetcher) breakerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.breakers)
}

func (f *HTTPFetcher) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tick++
	if hb, ok := f.breakers[host]; ok {
		hb.lastUsed = f.tick
		return hb.cb
	}
	if len(f.breakers) >= f.cfg.MaxBreakers {
		f.evictOldest()
	}
	maxFailures := f.cfg.Breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "http:" + host,
		MaxRequests: 1,
		Interval:    f.cfg.Breaker.Interval,
		Timeout:     f.cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Local limits and caller cancellation say nothing about the upstream.
			return err == nil ||
				errors.Is(err, errBodyTooLarge) ||
				errors.Is(err, domain.ErrPermissionDenied) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
	})
	f.breakers[host] = &hostBreaker{cb: cb, lastUsed: f.tick}
	return cb
}

// evictOldest drops the least recently used breaker. Callers hold f.mu.
func (f *HTTPFetcher) evictOldest() {
	var (
		oldest    string
		oldestUse uint64
		found     bool
	)
	for host, hb := range f.breakers {
		if !found || hb.lastUsed < oldestUse {
			oldest, oldestUse, found = host, hb.lastUsed, true
		}
	}
	if found {
		delete(f.breakers, oldest)
	}
}

// Get fetches u and returns the response body. allowed is consulted for
// every redirect target.
func (f *HTTPFetcher) Get(ctx context.Context, u *url.URL, allowed func(host string) bool) ([]byte, error) {
	if !f.cfg.AllowPrivateNetworks {
		if err := security.ValidateURL(u.String()); err != nil {
			return nil, err
		}
	}

	client := *f.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= f.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		if !allowed(req.URL.Hostname()) {
			return fmt.Errorf("%w: %s", errRedirectDenied, req.URL.Hostname())
		}
		return nil
	}

	body, err := f.breaker(u.Hostname()).Execute(func() ([]byte, error) {
		return f.do(ctx, &client, u)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("host %q circuit open: %w", u.Hostname(), err)
	}
	return body, err
}

func (f *HTTPFetcher) do(ctx context.Context, client *http.Client, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", errHTTPStatus, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}
