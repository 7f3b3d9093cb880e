package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/devserver/config"
	"github.com/angeloszaimis/devserver/internal/livereload"
	"github.com/angeloszaimis/devserver/pkg/logger"
)

var _ = Describe("devServer", func() {
	var (
		cfg       *config.Config
		staticDir string
		upstream  *httptest.Server
		seen      chan *http.Request
		ctx       context.Context
		cancel    context.CancelFunc
	)

	get := func(srv *httptest.Server, path string) (*http.Response, string) {
		resp, err := http.Get(srv.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, string(body)
	}

	newServer := func() (*devServer, *httptest.Server) {
		ds, err := newDevServer(cfg, logger.Discard())
		Expect(err).NotTo(HaveOccurred())
		ds.startBackground(ctx)

		srv := httptest.NewServer(ds.handler())
		DeferCleanup(srv.Close)
		return ds, srv
	}

	BeforeEach(func() {
		var err error
		cfg, err = config.Load("", nil)
		Expect(err).NotTo(HaveOccurred())

		staticDir = GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(staticDir, "index.html"),
			[]byte("<html><body><h1>app</h1></body></html>"), 0644)).To(Succeed())

		seen = make(chan *http.Request, 10)
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// health probes hit the upstream directly; only record proxied requests
			if r.Header.Get("X-Forwarded-Host") != "" {
				seen <- r
			}
			w.Write([]byte(`{"users":[]}`))
		}))

		cfg.Static.Dir = staticDir
		cfg.Proxy[0].Target = upstream.URL
		cfg.HealthCheck.Interval = "1h"

		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		upstream.Close()
	})

	Describe("routing", func() {
		It("should forward /api/users to /users on the backend", func() {
			_, srv := newServer()

			resp, body := get(srv, "/api/users?page=2")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(Equal(`{"users":[]}`))

			var r *http.Request
			Eventually(seen).Should(Receive(&r))
			Expect(r.URL.Path).To(Equal("/users"))
			Expect(r.URL.RawQuery).To(Equal("page=2"))
			Expect(r.Host).To(Equal(strings.TrimPrefix(upstream.URL, "http://")))
		})

		It("should answer 404 for /other without contacting the backend", func() {
			_, srv := newServer()

			resp, _ := get(srv, "/other")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Consistently(seen, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("should serve index.html with the live reload script", func() {
			_, srv := newServer()

			resp, body := get(srv, "/")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("<h1>app</h1>"))
			Expect(body).To(ContainSubstring(`<script src="` + scriptPath + `"></script>`))
		})

		It("should serve the live reload client", func() {
			_, srv := newServer()

			resp, body := get(srv, scriptPath)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(wsPath))
		})

		It("should expose JSON and Prometheus metrics", func() {
			_, srv := newServer()
			get(srv, "/api/users")

			resp, _ := get(srv, metricsPath)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			Eventually(func() string {
				_, body := get(srv, metricsPath)
				return body
			}).Should(ContainSubstring(`"/api"`))

			Eventually(func() string {
				_, body := get(srv, prometheusPath)
				return body
			}).Should(ContainSubstring(`devserver_requests_total{code="200",route="/api"}`))
		})
	})

	Describe("status endpoint", func() {
		It("should report the configuration and upstream state", func() {
			_, srv := newServer()

			resp, body := get(srv, statusPath)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var status statusResponse
			Expect(json.Unmarshal([]byte(body), &status)).To(Succeed())
			Expect(status.Port).To(Equal(8080))
			Expect(status.Address).To(Equal(":8080"))
			Expect(status.TranspileDependencies).To(BeTrue())
			Expect(status.LiveReload).To(BeTrue())
			Expect(status.Proxy).To(HaveLen(1))
			Expect(status.Proxy[0].Prefix).To(Equal("/api"))
			Expect(status.Proxy[0].Target).To(Equal(upstream.URL))
			Expect(status.Proxy[0].ChangeOrigin).To(BeTrue())
			Expect(body).To(ContainSubstring(`"breaker":"CLOSED"`))
		})
	})

	Describe("live reload", func() {
		It("should push a reload to connected browsers when a file changes", func() {
			_, srv := newServer()

			wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + wsPath
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			var msg livereload.Message
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Type).To(Equal(livereload.MessageConnected))

			Expect(os.WriteFile(filepath.Join(staticDir, "app.js"), []byte("console.log(1)"), 0644)).To(Succeed())

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Type).To(Equal(livereload.MessageReload))
			Expect(msg.Paths).To(ContainElement("app.js"))
		})

		It("should be disabled by configuration", func() {
			cfg.LiveReload.Enabled = false
			ds, srv := newServer()
			Expect(ds.liveReload()).To(BeFalse())

			_, body := get(srv, "/")
			Expect(body).NotTo(ContainSubstring("<script"))

			resp, _ := get(srv, scriptPath)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should be disabled when the asset directory is missing", func() {
			cfg.Static.Dir = filepath.Join(staticDir, "missing")
			ds, srv := newServer()
			Expect(ds.liveReload()).To(BeFalse())

			resp, _ := get(srv, "/")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("serve", func() {
		It("should stop cleanly when the context is cancelled", func() {
			ds, err := newDevServer(cfg, logger.Discard())
			Expect(err).NotTo(HaveOccurred())

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			serveCtx, stop := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				done <- ds.serve(serveCtx, ln)
			}()

			Eventually(func() error {
				resp, err := http.Get("http://" + ln.Addr().String() + statusPath)
				if err == nil {
					resp.Body.Close()
				}
				return err
			}).Should(Succeed())

			stop()
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})
	})
})
