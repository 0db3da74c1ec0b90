package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "grant-sync/1.0 (+https://github.com/david/grant-sync)"
	maxBodyBytes     = 10 << 20
)

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

// ClientOptions are process-wide settings shared by every source client.
type ClientOptions struct {
	// AllowPrivateNetworks disables the private/loopback destination guard.
	// Only local development and tests should set it.
	AllowPrivateNetworks bool
	UserAgent            string
}

// Client is the outbound HTTP client of one source. It enforces the source's
// requests/hour budget and maps failures onto ErrSourceUnavailable and
// ErrSourceFormat. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	language  string
	// retryNotFound mirrors FetchConfig.RetryNotFound.
	retryNotFound bool
}

// NewClient builds a client for a source. perHour <= 0 means unthrottled.
func NewClient(cfg FetchConfig, perHour int, opts ClientOptions) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           safeDialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	checkRedirect := safeCheckRedirect
	if opts.AllowPrivateNetworks {
		transport.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
		checkRedirect = limitRedirects
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	limit := rate.Inf
	if perHour > 0 {
		limit = rate.Limit(float64(perHour) / 3600.0)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	lang := cfg.AcceptLanguage
	if lang == "" {
		lang = "en-US,en;q=0.5"
	}

	return &Client{
		http: &http.Client{
			Timeout:       timeout,
			Transport:     transport,
			CheckRedirect: checkRedirect,
		},
		limiter:       rate.NewLimiter(limit, 1),
		userAgent:     ua,
		language:      lang,
		retryNotFound: cfg.RetryNotFound,
	}
}

// Transport exposes the guarded round tripper, for collectors that manage
// their own requests.
func (c *Client) Transport() http.RoundTripper { return c.http.Transport }

// Wait blocks until the source's rate budget allows another request.
func (c *Client) Wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: rate limiter: %v", ErrSourceUnavailable, err)
	}
	return nil
}

// Do sends req after waiting for the rate budget and returns the body of a
// 2xx response.
func (c *Client) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", c.language)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrSourceUnavailable, req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSourceUnavailable, req.URL.Redacted(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, classifyStatus(req, resp.StatusCode, body, c.retryNotFound)
	}
	return body, nil
}

// GetJSON issues a GET and decodes the JSON response into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrSourceFormat, err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeJSON(body, v)
}

// PostJSON posts payload as JSON and decodes the response into v.
func (c *Client) PostJSON(ctx context.Context, rawURL string, headers map[string]string, payload, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrSourceFormat, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	body, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeJSON(body, v)
}

// StatusError reports a non-2xx response. It wraps ErrSourceUnavailable or
// ErrSourceFormat. Permanent marks an unavailable endpoint that will not come
// back within a retry window.
type StatusError struct {
	Code      int
	URL       string
	Body      string
	Permanent bool
	kind      error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%v: %s returned %d", e.kind, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.kind }

// statusIsUnavailable reports which status codes mean the source could not
// serve the request, as opposed to rejecting it.
func statusIsUnavailable(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func newStatusError(code int, rawURL, body string, retryNotFound bool) *StatusError {
	kind := ErrSourceFormat
	if statusIsUnavailable(code) {
		kind = ErrSourceUnavailable
	}
	gone := code == http.StatusNotFound || code == http.StatusGone
	return &StatusError{Code: code, URL: rawURL, Body: body, Permanent: gone && !retryNotFound, kind: kind}
}

func classifyStatus(req *http.Request, code int, body []byte, retryNotFound bool) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return newStatusError(code, req.URL.Redacted(), snippet, retryNotFound)
}

// Retryable reports whether another attempt at a failed fetch could succeed.
// Malformed responses and permanent status errors cannot.
func Retryable(err error) bool {
	if errors.Is(err, ErrSourceFormat) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.Permanent {
		return false
	}
	return true
}

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrSourceFormat, err)
	}
	return nil
}

// HTTPStatus returns the status code carried by err, or 0.
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// safeDialContext wraps the default dialer to block private IPs
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("host %s resolved to no addresses", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return nil, fmt.Errorf("blocked private IP: %s", ip.IP)
		}
	}

	// Dial the address that was checked, not the name.
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	if addr, ok := netip.AddrFromSlice(ip); ok {
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	return nil
}

// safeCheckRedirect limits redirects and validates destinations
func safeCheckRedirect(req *http.Request, via []*http.Request) error {
	if err := limitRedirects(req, via); err != nil {
		return err
	}
	if req.URL == nil {
		return fmt.Errorf("invalid redirect URL")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect scheme blocked")
	}

	host := req.URL.Hostname()
	if host == "" {
		return fmt.Errorf("redirect host missing")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("redirect to internal host blocked")
	}
	ips, err := net.DefaultResolver.LookupIPAddr(req.Context(), host)
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return fmt.Errorf("redirect host resolved to no addresses")
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return fmt.Errorf("redirect to private IP blocked: %s", ip.IP)
		}
	}
	return nil
}
