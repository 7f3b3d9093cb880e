package proxy_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/devserver/config"
	"github.com/angeloszaimis/devserver/internal/proxy"
	"github.com/angeloszaimis/devserver/pkg/logger"
)

type echo struct {
	Path      string `json:"path"`
	URI       string `json:"uri"`
	Query     string `json:"query"`
	Host      string `json:"host"`
	Forwarded string `json:"forwarded"`
}

func decodeEcho(rec *httptest.ResponseRecorder) echo {
	var e echo
	Expect(json.Unmarshal(rec.Body.Bytes(), &e)).To(Succeed())
	return e
}

var _ = Describe("Rule", func() {
	var (
		upstream    *httptest.Server
		upstreamURL *url.URL
	)

	BeforeEach(func() {
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(echo{
				Path:      r.URL.Path,
				URI:       r.RequestURI,
				Query:     r.URL.RawQuery,
				Host:      r.Host,
				Forwarded: r.Header.Get("X-Forwarded-Host"),
			})
		}))
		var err error
		upstreamURL, err = url.Parse(upstream.URL)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		upstream.Close()
	})

	newRule := func(cfg config.ProxyRuleConfig) *proxy.Rule {
		if cfg.Target == "" {
			cfg.Target = upstream.URL
		}
		rule, err := proxy.NewRule(cfg, logger.Discard())
		Expect(err).NotTo(HaveOccurred())
		return rule
	}

	Describe("NewRule", func() {
		It("should reject a prefix without a leading slash", func() {
			_, err := proxy.NewRule(config.ProxyRuleConfig{Prefix: "api", Target: "http://localhost:5001"}, logger.Discard())
			Expect(err).To(HaveOccurred())
		})

		It("should reject a relative target", func() {
			_, err := proxy.NewRule(config.ProxyRuleConfig{Prefix: "/api", Target: "/backend"}, logger.Discard())
			Expect(err).To(HaveOccurred())
		})

		It("should reject an invalid rewrite pattern", func() {
			_, err := proxy.NewRule(config.ProxyRuleConfig{
				Prefix:      "/api",
				Target:      "http://localhost:5001",
				PathRewrite: []config.PathRewriteConfig{{Pattern: "(unclosed"}},
			}, logger.Discard())
			Expect(err).To(HaveOccurred())
		})

		It("should expose the rule settings", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", ChangeOrigin: true})
			Expect(rule.Prefix()).To(Equal("/api"))
			Expect(rule.Target()).To(Equal(upstreamURL))
			Expect(rule.ChangeOrigin()).To(BeTrue())
			Expect(rule.Upstream().IsHealthy()).To(BeTrue())
		})
	})

	Describe("Matches", func() {
		It("should match on a literal prefix", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api"})
			Expect(rule.Matches("/api")).To(BeTrue())
			Expect(rule.Matches("/api/users")).To(BeTrue())
			Expect(rule.Matches("/other")).To(BeFalse())
			Expect(rule.Matches("/v1/api")).To(BeFalse())
		})
	})

	Describe("RewritePath", func() {
		It("should strip the prefix", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", StripPrefix: true})
			Expect(rule.RewritePath("/api/users")).To(Equal("/users"))
		})

		It("should map the bare prefix to the root", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", StripPrefix: true})
			Expect(rule.RewritePath("/api")).To(Equal("/"))
		})

		It("should leave the path alone without rewrites", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api"})
			Expect(rule.RewritePath("/api/users")).To(Equal("/api/users"))
		})

		It("should escape regular expression characters in the prefix", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api.v1", StripPrefix: true})
			Expect(rule.RewritePath("/api.v1/users")).To(Equal("/users"))
			Expect(rule.RewritePath("/apixv1/users")).To(Equal("/apixv1/users"))
		})

		It("should apply an explicit pattern", func() {
			rule := newRule(config.ProxyRuleConfig{
				Prefix:      "/api",
				PathRewrite: []config.PathRewriteConfig{{Pattern: "^/api", Replacement: ""}},
			})
			Expect(rule.RewritePath("/api/users")).To(Equal("/users"))
		})

		It("should support capture groups", func() {
			rule := newRule(config.ProxyRuleConfig{
				Prefix:      "/api",
				PathRewrite: []config.PathRewriteConfig{{Pattern: "^/api/v(\\d+)/", Replacement: "/version/$1/"}},
			})
			Expect(rule.RewritePath("/api/v2/users")).To(Equal("/version/2/users"))
		})

		It("should only apply the first matching pattern", func() {
			rule := newRule(config.ProxyRuleConfig{
				Prefix: "/api",
				PathRewrite: []config.PathRewriteConfig{
					{Pattern: "^/api/old", Replacement: "/new"},
					{Pattern: "^/api", Replacement: "/legacy"},
				},
				StripPrefix: true,
			})
			Expect(rule.RewritePath("/api/old/items")).To(Equal("/new/items"))
			Expect(rule.RewritePath("/api/items")).To(Equal("/legacy/items"))
		})

		It("should replace only the first occurrence", func() {
			rule := newRule(config.ProxyRuleConfig{
				Prefix:      "/api",
				PathRewrite: []config.PathRewriteConfig{{Pattern: "/x", Replacement: ""}},
			})
			Expect(rule.RewritePath("/api/x/x")).To(Equal("/api/x"))
		})
	})

	Describe("Forward", func() {
		It("should forward /api/users to /users on the target", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", ChangeOrigin: true, StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			rec := httptest.NewRecorder()

			err := rule.Forward(rec, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeEcho(rec).Path).To(Equal("/users"))
		})

		It("should keep percent-encoded characters in the rewritten path", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "/api/files/a%2Fb?v=1", nil)
			rec := httptest.NewRecorder()

			Expect(rule.Forward(rec, req)).To(Succeed())
			e := decodeEcho(rec)
			Expect(e.URI).To(Equal("/files/a%2Fb?v=1"))
			Expect(e.Path).To(Equal("/files/a/b"))
		})

		It("should keep percent-encoded characters under a target base path", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", Target: upstream.URL + "/v1", StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "/api/files/a%2Fb", nil)
			rec := httptest.NewRecorder()

			Expect(rule.Forward(rec, req)).To(Succeed())
			Expect(decodeEcho(rec).URI).To(Equal("/v1/files/a%2Fb"))
		})

		It("should preserve the query string", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "/api/search?q=phones&page=2", nil)
			rec := httptest.NewRecorder()

			Expect(rule.Forward(rec, req)).To(Succeed())
			Expect(decodeEcho(rec).Query).To(Equal("q=phones&page=2"))
		})

		It("should join the target base path", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", Target: upstream.URL + "/v1", StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			rec := httptest.NewRecorder()

			Expect(rule.Forward(rec, req)).To(Succeed())
			Expect(decodeEcho(rec).Path).To(Equal("/v1/users"))
		})

		It("should send the target host when changing origin", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", ChangeOrigin: true, StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/api/users", nil)
			rec := httptest.NewRecorder()

			Expect(rule.Forward(rec, req)).To(Succeed())
			e := decodeEcho(rec)
			Expect(e.Host).To(Equal(upstreamURL.Host))
			Expect(e.Forwarded).To(Equal("localhost:8080"))
		})

		It("should keep the client host otherwise", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", ChangeOrigin: false, StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/api/users", nil)
			rec := httptest.NewRecorder()

			Expect(rule.Forward(rec, req)).To(Succeed())
			Expect(decodeEcho(rec).Host).To(Equal("localhost:8080"))
		})

		It("should report an unreachable upstream", func() {
			upstream.Close()
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", StripPrefix: true})
			req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			rec := httptest.NewRecorder()

			err := rule.Forward(rec, req)
			Expect(err).To(HaveOccurred())
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
		})

		It("should return the context error when the client gives up first", func() {
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(300 * time.Millisecond):
				case <-r.Context().Done():
				}
			}))
			defer slow.Close()

			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", Target: slow.URL})
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			rec := httptest.NewRecorder()
			err := rule.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil).WithContext(ctx))
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(rec.Code).To(Equal(http.StatusBadGateway))
		})

		It("should not treat upstream error statuses as failures", func() {
			failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer failing.Close()

			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", Target: failing.URL})
			rec := httptest.NewRecorder()

			Expect(rule.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))).To(Succeed())
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		})

		It("should track response times and release in-flight requests", func() {
			rule := newRule(config.ProxyRuleConfig{Prefix: "/api", StripPrefix: true})

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					rec := httptest.NewRecorder()
					Expect(rule.Forward(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))).To(Succeed())
				}()
			}
			wg.Wait()

			Expect(rule.Upstream().ActiveRequests()).To(Equal(0))
			Expect(rule.Upstream().EWMATime()).To(BeNumerically(">", 0))
		})
	})
})
