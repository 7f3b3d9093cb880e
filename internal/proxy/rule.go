package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/angeloszaimis/devserver/config"
)

const rewriteMatchTimeout = 100 * time.Millisecond

type rewrite struct {
	pattern     *regexp2.Regexp
	replacement string
}

// Rule forwards requests whose path starts with a prefix to one upstream.
type Rule struct {
	prefix       string
	changeOrigin bool
	rewrites     []rewrite
	upstream     *Upstream
	proxy        *httputil.ReverseProxy
	logger       *slog.Logger
}

type proxyErrKey struct{}

// NewRule compiles a proxy rule. Explicit path rewrites are tried first, in
// order; strip_prefix adds a final rewrite that removes the prefix.
func NewRule(cfg config.ProxyRuleConfig, logger *slog.Logger) (*Rule, error) {
	if !strings.HasPrefix(cfg.Prefix, "/") {
		return nil, fmt.Errorf("proxy prefix %q must start with /", cfg.Prefix)
	}

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("parse proxy target %q: %w", cfg.Target, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("proxy target %q must be an absolute URL", cfg.Target)
	}

	rule := &Rule{
		prefix:       cfg.Prefix,
		changeOrigin: cfg.ChangeOrigin,
		upstream:     NewUpstream(target),
		logger:       logger.With(slog.String("prefix", cfg.Prefix), slog.String("target", target.String())),
	}

	for _, rw := range cfg.PathRewrite {
		compiled, err := compileRewrite(rw.Pattern, rw.Replacement)
		if err != nil {
			return nil, err
		}
		rule.rewrites = append(rule.rewrites, compiled)
	}

	if cfg.StripPrefix {
		compiled, err := compileRewrite("^"+regexp2.Escape(cfg.Prefix), "")
		if err != nil {
			return nil, err
		}
		rule.rewrites = append(rule.rewrites, compiled)
	}

	rule.proxy = &httputil.ReverseProxy{
		Rewrite:      rule.rewriteRequest,
		ErrorHandler: rule.handleError,
		ErrorLog:     slog.NewLogLogger(rule.logger.Handler(), slog.LevelWarn),
	}

	return rule, nil
}

func compileRewrite(pattern, replacement string) (rewrite, error) {
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return rewrite{}, fmt.Errorf("compile path rewrite %q: %w", pattern, err)
	}
	re.MatchTimeout = rewriteMatchTimeout

	return rewrite{pattern: re, replacement: replacement}, nil
}

// Prefix returns the literal path prefix this rule matches.
func (r *Rule) Prefix() string {
	return r.prefix
}

// Target returns the upstream origin.
func (r *Rule) Target() *url.URL {
	return r.upstream.URL()
}

// ChangeOrigin reports whether forwarded requests carry the upstream's Host.
func (r *Rule) ChangeOrigin() bool {
	return r.changeOrigin
}

// Upstream returns the upstream bookkeeping for this rule.
func (r *Rule) Upstream() *Upstream {
	return r.upstream
}

// Matches reports whether the request path starts with the rule's prefix.
func (r *Rule) Matches(path string) bool {
	return strings.HasPrefix(path, r.prefix)
}

// RewritePath applies the first rewrite whose pattern matches, replacing its
// first occurrence. The result always starts with a slash.
func (r *Rule) RewritePath(path string) string {
	for _, rw := range r.rewrites {
		matched, err := rw.pattern.MatchString(path)
		if err != nil {
			r.logger.Warn("path rewrite failed", slog.String("path", path), slog.Any("err", err))
			continue
		}
		if !matched {
			continue
		}

		rewritten, err := rw.pattern.Replace(path, rw.replacement, -1, 1)
		if err != nil {
			r.logger.Warn("path rewrite failed", slog.String("path", path), slog.Any("err", err))
			continue
		}
		path = rewritten
		break
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return path
}

func (r *Rule) rewriteRequest(pr *httputil.ProxyRequest) {
	// Rewrite the escaped form so encoded reserved characters like %2F
	// reach the upstream unchanged.
	escaped := r.RewritePath(pr.In.URL.EscapedPath())
	if unescaped, err := url.PathUnescape(escaped); err == nil {
		pr.Out.URL.Path = unescaped
		pr.Out.URL.RawPath = escaped
	} else {
		pr.Out.URL.Path = r.RewritePath(pr.In.URL.Path)
		pr.Out.URL.RawPath = ""
	}

	pr.SetURL(r.upstream.URL())
	pr.SetXForwarded()

	if !r.changeOrigin {
		pr.Out.Host = pr.In.Host
	}
}

func (r *Rule) handleError(w http.ResponseWriter, req *http.Request, err error) {
	slot, _ := req.Context().Value(proxyErrKey{}).(*error)

	if ctxErr := req.Context().Err(); ctxErr != nil {
		// The client went away before the upstream answered.
		if slot != nil {
			*slot = ctxErr
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	if slot != nil {
		*slot = err
	}

	r.logger.Warn("upstream request failed",
		slog.String("path", req.URL.Path),
		slog.Any("err", err))

	http.Error(w, "Upstream unavailable: "+r.upstream.URL().String(), http.StatusBadGateway)
}

// Forward proxies the request and returns the transport error, if any, that
// prevented a response from reaching the upstream. A nil error means the
// upstream answered, whatever its status code. When the client gives up
// first the error is the request context's error.
func (r *Rule) Forward(w http.ResponseWriter, req *http.Request) error {
	var proxyErr error
	ctx := context.WithValue(req.Context(), proxyErrKey{}, &proxyErr)

	r.upstream.begin()
	start := time.Now()
	r.proxy.ServeHTTP(w, req.WithContext(ctx))
	r.upstream.end(time.Since(start))

	return proxyErr
}

func (r *Rule) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	_ = r.Forward(w, req)
}
