package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/devserver/internal/metrics"
	"github.com/angeloszaimis/devserver/internal/proxy"
)

const probeTimeout = 5 * time.Second

// HealthCheck probes the rule's upstream immediately and then on every tick
// until ctx is cancelled. Any HTTP response counts as reachable: a dev
// backend answering 404 on its root is still up. Only transport errors mark
// the upstream down.
func HealthCheck(
	ctx context.Context,
	rule *proxy.Rule,
	interval time.Duration,
	logger *slog.Logger,
	collector *metrics.Collector,
) {
	client := &http.Client{
		Timeout: probeTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	log := logger.With(
		slog.String("prefix", rule.Prefix()),
		slog.String("upstream", rule.Target().String()))

	probe(ctx, client, rule, log, collector)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Health check stopped")
			return

		case <-ticker.C:
			probe(ctx, client, rule, log, collector)
		}
	}
}

func probe(ctx context.Context, client *http.Client, rule *proxy.Rule, log *slog.Logger, collector *metrics.Collector) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rule.Target().String(), nil)
	if err != nil {
		return
	}

	healthy := true
	res, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		healthy = false
	} else {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}

	if !rule.Upstream().SetHealthy(healthy) {
		return
	}

	collector.Emit(metrics.MetricEvent{
		Type:    metrics.EventHealthChanged,
		Route:   rule.Prefix(),
		Healthy: healthy,
	})

	if healthy {
		log.Info("Upstream is back up")
	} else {
		log.Warn("Upstream is down", slog.Any("err", err))
	}
}
