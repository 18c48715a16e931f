// Package httpfetch is a reference coordinator.Fetcher: plain HTTP GET/POST
// over net/http, gzip/deflate/brotli decompression, and a generic
// CSS-selector extraction pass that turns an HTML document into the
// map[string]interface{} record shape engine.Coordinator's Result handler
// decodes from Result.Body.
//
// Grounded on ScrapeGoat-And-ArchEnemy's internal/fetcher/http.go (client
// construction, Accept-Encoding negotiation, decompressReader) and
// internal/parser/css.go (goquery-based field extraction) — adapted from
// a config-driven multi-fetcher/multi-parser pipeline into the single
// narrow coordinator.Fetcher seam spec.md §9 calls for.
package httpfetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/crawlforge/crawlforge/coordinator"
)

// Selector declares one extraction rule applied to every fetched document.
// Exactly one of CSS or XPath should be set; CSS runs through goquery,
// XPath through htmlquery — some documents (namespaced XML-ish feeds,
// sibling-axis lookups) are awkward to express as a CSS selector, so both
// query languages are available per field rather than picking one globally.
type Selector struct {
	Field     string
	CSS       string
	XPath     string
	Attribute string // "", "text", "html", or an element attribute name
	Multi     bool   // collect every match instead of just the first
}

// Config configures the reference Fetcher.
type Config struct {
	Timeout             time.Duration
	MaxBodySize         int64
	MaxIdleConns        int
	IdleConnTimeout     time.Duration
	FollowRedirects     bool
	MaxRedirects        int
	UserAgents          []string
	Selectors           []Selector
}

// DefaultConfig mirrors the reference fetcher's conservative defaults.
var DefaultConfig = Config{
	Timeout:         30 * time.Second,
	MaxBodySize:     10 << 20,
	MaxIdleConns:    100,
	IdleConnTimeout: 90 * time.Second,
	FollowRedirects: true,
	MaxRedirects:    10,
	UserAgents:      []string{"crawlforge/1.0 (+https://crawlforge.example/bot)"},
}

// Fetcher implements coordinator.Fetcher over net/http.
type Fetcher struct {
	client    *http.Client
	cfg       Config
	uaIndex   atomic.Int64
}

// New constructs a Fetcher. proxyFunc, if non-nil, is installed as the
// transport's per-request proxy selector — callers typically wire this to
// internal/proxypool.Pool.Pick.
func New(cfg Config, proxyFunc func(*http.Request) (*url.URL, error)) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig.MaxBodySize
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = DefaultConfig.MaxIdleConns
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = DefaultConfig.IdleConnTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultConfig.MaxRedirects
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultConfig.UserAgents
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns / 2,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // decompression is handled explicitly below, including brotli
	}
	if proxyFunc != nil {
		transport.Proxy = proxyFunc
	}

	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if !cfg.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("max redirects (%d) reached", cfg.MaxRedirects)
		}
		return nil
	}

	return &Fetcher{
		client: &http.Client{
			Transport:     transport,
			Jar:           jar,
			Timeout:       cfg.Timeout,
			CheckRedirect: redirectPolicy,
		},
		cfg: cfg,
	}, nil
}

// Fetch executes req and classifies the outcome into a coordinator.Result.
// proxy is informational only here — transport-level proxy selection
// already happened via the proxyFunc passed to New — but is echoed back
// onto the Result so the Dispatcher can attribute bans to the right
// address.
func (f *Fetcher) Fetch(ctx context.Context, req *coordinator.Request, proxy string) (*coordinator.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), req.URL, bodyReader(req.Body))
	if err != nil {
		return &coordinator.Result{
			RequestID:    req.ID,
			Status:       coordinator.StatusValidationFailed,
			ErrorMessage: fmt.Sprintf("build request: %v", err),
		}, nil
	}

	httpReq.Header.Set("User-Agent", f.nextUserAgent())
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for _, h := range req.Headers {
		httpReq.Header.Set(h.Name, h.Value)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	elapsed := time.Since(start)

	if err != nil {
		status := coordinator.StatusNetworkError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = coordinator.StatusTimeout
		}
		return &coordinator.Result{
			RequestID:    req.ID,
			Status:       status,
			ElapsedMS:    elapsed.Milliseconds(),
			ProxyUsed:    proxy,
			ErrorMessage: err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return f.bodyLimitedResult(req, resp, elapsed, proxy, coordinator.StatusHTTPError), nil
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return f.bodyLimitedResult(req, resp, elapsed, proxy, coordinator.StatusBlocked), nil
	}
	if resp.StatusCode == 423 { // Locked — commonly used for "captcha required" gates
		return f.bodyLimitedResult(req, resp, elapsed, proxy, coordinator.StatusCaptchaRequired), nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return f.bodyLimitedResult(req, resp, elapsed, proxy, coordinator.StatusHTTPError), nil
	}
	if resp.StatusCode >= 400 {
		return f.bodyLimitedResult(req, resp, elapsed, proxy, coordinator.StatusHTTPError), nil
	}

	body, err := f.readBody(resp)
	if err != nil {
		return &coordinator.Result{
			RequestID:    req.ID,
			Status:       coordinator.StatusNetworkError,
			HTTPStatus:   resp.StatusCode,
			ElapsedMS:    elapsed.Milliseconds(),
			ProxyUsed:    proxy,
			ErrorMessage: err.Error(),
		}, nil
	}

	fields, extractErr := f.extract(body, req.URL)
	if extractErr != nil {
		return &coordinator.Result{
			RequestID:    req.ID,
			Status:       coordinator.StatusValidationFailed,
			HTTPStatus:   resp.StatusCode,
			ElapsedMS:    elapsed.Milliseconds(),
			ProxyUsed:    proxy,
			ErrorMessage: extractErr.Error(),
		}, nil
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("httpfetch: encode extracted fields: %w", err)
	}

	return &coordinator.Result{
		RequestID:  req.ID,
		Status:     coordinator.StatusSuccess,
		HTTPStatus: resp.StatusCode,
		Body:       encoded,
		ElapsedMS:  elapsed.Milliseconds(),
		ProxyUsed:  proxy,
	}, nil
}

func (f *Fetcher) bodyLimitedResult(req *coordinator.Request, resp *http.Response, elapsed time.Duration, proxy string, status coordinator.ResultStatus) *coordinator.Result {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &coordinator.Result{
		RequestID:    req.ID,
		Status:       status,
		HTTPStatus:   resp.StatusCode,
		ElapsedMS:    elapsed.Milliseconds(),
		ProxyUsed:    proxy,
		ErrorMessage: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
	}
}

// readBody decompresses and reads resp's body up to cfg.MaxBodySize.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if f.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, f.cfg.MaxBodySize)
	}
	var err error
	reader, err = decompressReader(resp, reader)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}

// extract runs every configured Selector against the document and
// returns a record ready for JSON encoding into Result.Body. CSS selectors
// are evaluated with goquery, XPath selectors with htmlquery — each engine
// parses the body into its own tree lazily, and only once, since most
// fetches use one engine exclusively.
func (f *Fetcher) extract(body []byte, finalURL string) (map[string]interface{}, error) {
	fields := map[string]interface{}{"url": finalURL}
	if len(f.cfg.Selectors) == 0 {
		return fields, nil
	}

	var cssDoc *goquery.Document
	var xpathDoc *html.Node

	for _, sel := range f.cfg.Selectors {
		var values []string
		switch {
		case sel.XPath != "":
			if xpathDoc == nil {
				doc, err := htmlquery.Parse(strings.NewReader(string(body)))
				if err != nil {
					return nil, fmt.Errorf("parse document for xpath: %w", err)
				}
				xpathDoc = doc
			}
			values = extractXPath(xpathDoc, sel)
		case sel.CSS != "":
			if cssDoc == nil {
				doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
				if err != nil {
					return nil, fmt.Errorf("parse document for css: %w", err)
				}
				cssDoc = doc
			}
			values = extractCSS(cssDoc, sel)
		default:
			continue
		}

		switch {
		case len(values) == 0:
			continue
		case sel.Multi:
			fields[sel.Field] = values
		default:
			fields[sel.Field] = values[0]
		}
	}
	return fields, nil
}

func extractCSS(doc *goquery.Document, sel Selector) []string {
	var values []string
	doc.Find(sel.CSS).Each(func(_ int, s *goquery.Selection) {
		var val string
		switch sel.Attribute {
		case "", "text":
			val = strings.TrimSpace(s.Text())
		case "html", "innerHTML":
			htmlStr, err := s.Html()
			if err == nil {
				val = htmlStr
			}
		default:
			val, _ = s.Attr(sel.Attribute)
		}
		if val != "" {
			values = append(values, val)
			if !sel.Multi {
				return
			}
		}
	})
	return values
}

func extractXPath(doc *html.Node, sel Selector) []string {
	var values []string
	for _, node := range htmlquery.Find(doc, sel.XPath) {
		var val string
		switch sel.Attribute {
		case "", "text":
			val = strings.TrimSpace(htmlquery.InnerText(node))
		case "html", "innerHTML":
			val = htmlquery.OutputHTML(node, false)
		default:
			val = htmlquery.SelectAttr(node, sel.Attribute)
		}
		if val == "" {
			continue
		}
		values = append(values, val)
		if !sel.Multi {
			break
		}
	}
	return values
}

func (f *Fetcher) nextUserAgent() string {
	idx := f.uaIndex.Add(1) % int64(len(f.cfg.UserAgents))
	return f.cfg.UserAgents[idx]
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return strings.NewReader(string(body))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// decompressReader wraps reader with the decompressor matching resp's
// Content-Encoding header (gzip, deflate, br).
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
