package facades

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dotcommander/secplugd/internal/core"
	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// NetworkFacade implements secplugin.NetworkFacade: the single
// `fetch` operation, gated by a domain allow/block list, a per-plugin
// token-bucket limiter, and a shared per-host circuit breaker.
type NetworkFacade struct {
	pluginID       string
	client         *http.Client
	allowedDomains map[string]bool
	blockedDomains map[string]bool
	maxRequestBytes int64
	defaultTimeout  time.Duration
	limiter         *rate.Limiter
	breakers        *core.BreakerSet
}

// NetworkFacadeConfig configures one plugin's Network facade.
type NetworkFacadeConfig struct {
	AllowedDomains   []string
	BlockedDomains   []string
	MaxRequestBytes  int64
	DefaultTimeoutMs int64
	RatePerSecond    float64
	Burst            int

	// Breakers is shared across plugins so every facade observes the
	// same per-host failure history; nil builds a private set.
	Breakers *core.BreakerSet
}

// NewNetworkFacade builds a Network facade for one plugin.
func NewNetworkFacade(pluginID string, cfg NetworkFacadeConfig) *NetworkFacade {
	allowed := make(map[string]bool, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		allowed[d] = true
	}
	blocked := make(map[string]bool, len(cfg.BlockedDomains))
	for _, d := range cfg.BlockedDomains {
		blocked[d] = true
	}

	breakers := cfg.Breakers
	if breakers == nil {
		breakers = core.NewBreakerSet(core.DefaultBreakerConfig())
	}

	return &NetworkFacade{
		pluginID:        pluginID,
		client:          &http.Client{},
		allowedDomains:  allowed,
		blockedDomains:  blocked,
		maxRequestBytes: cfg.MaxRequestBytes,
		defaultTimeout:  time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond,
		limiter:         rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breakers:        breakers,
	}
}

func (n *NetworkFacade) checkDomain(host string) error {
	host = strings.ToLower(host)
	if n.blockedDomains[host] {
		return secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, n.pluginID, "domain blocked: "+host, nil)
	}
	if len(n.allowedDomains) > 0 && !n.allowedDomains[host] {
		return secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, n.pluginID, "domain not allowlisted: "+host, nil)
	}
	return nil
}

func (n *NetworkFacade) Fetch(ctx context.Context, rawURL string, opts secplugin.FetchOptions) (secplugin.FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return secplugin.FetchResult{}, secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, n.pluginID, "invalid url", err)
	}
	if err := n.checkDomain(parsed.Hostname()); err != nil {
		return secplugin.FetchResult{}, err
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return secplugin.FetchResult{}, secplugin.NewRuntimeError(secplugin.KindCancelled, n.pluginID, "rate limiter wait cancelled", err)
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	// A plugin may shorten the timeout but never exceed the configured
	// maximum.
	timeout := n.defaultTimeout
	if opts.TimeoutMs > 0 {
		requested := time.Duration(opts.TimeoutMs) * time.Millisecond
		if requested < timeout {
			timeout = requested
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, rawURL, bytes.NewReader(opts.Body))
	if err != nil {
		return secplugin.FetchResult{}, secplugin.NewRuntimeError(secplugin.KindPluginError, n.pluginID, "building request", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	var resp *http.Response
	breaker := n.breakers.Get(parsed.Hostname())
	doErr := breaker.Execute(func() error {
		var err error
		resp, err = n.client.Do(req)
		return err
	})
	if doErr != nil {
		var open *core.ErrBreakerOpen
		if errors.As(doErr, &open) {
			return secplugin.FetchResult{}, secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, n.pluginID,
				"host temporarily unavailable: "+parsed.Hostname(), doErr)
		}
		if callCtx.Err() != nil {
			return secplugin.FetchResult{}, secplugin.NewRuntimeError(secplugin.KindTimeout, n.pluginID, "fetch timed out", doErr)
		}
		return secplugin.FetchResult{}, secplugin.NewRuntimeError(secplugin.KindPluginError, n.pluginID, fmt.Sprintf("fetch: %v", doErr), doErr)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, n.maxRequestBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return secplugin.FetchResult{}, secplugin.NewRuntimeError(secplugin.KindPluginError, n.pluginID, "reading response body", err)
	}

	truncated := false
	if int64(len(body)) > n.maxRequestBytes {
		body = body[:n.maxRequestBytes]
		truncated = true
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return secplugin.FetchResult{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
		Truncated:  truncated,
	}, nil
}
