package main

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/devserver/internal/circuitbreaker"
)

type statusResponse struct {
	Address               string        `json:"address"`
	Port                  int           `json:"port"`
	Environment           string        `json:"environment"`
	StaticDir             string        `json:"static_dir"`
	HistoryFallback       bool          `json:"history_fallback"`
	LiveReload            bool          `json:"live_reload"`
	ReloadClients         int           `json:"reload_clients"`
	TranspileDependencies bool          `json:"transpile_dependencies"`
	Proxy                 []proxyStatus `json:"proxy"`
}

type proxyStatus struct {
	Prefix          string               `json:"prefix"`
	Target          string               `json:"target"`
	ChangeOrigin    bool                 `json:"change_origin"`
	Healthy         bool                 `json:"healthy"`
	Breaker         circuitbreaker.State `json:"breaker"`
	ActiveRequests  int                  `json:"active_requests"`
	AvgResponseTime string               `json:"avg_response_time"`
}

func statusHandler(d *devServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Address:               d.cfg.Address(),
			Port:                  d.cfg.Server.Port,
			Environment:           d.cfg.Server.Environment,
			StaticDir:             d.cfg.Static.Dir,
			HistoryFallback:       d.cfg.Static.HistoryFallback,
			LiveReload:            d.liveReload(),
			TranspileDependencies: d.cfg.Build.TranspileDependencies,
			Proxy:                 make([]proxyStatus, 0, len(d.rules.Rules())),
		}
		if d.hub != nil {
			resp.ReloadClients = d.hub.Clients()
		}

		for _, rule := range d.rules.Rules() {
			up := rule.Upstream()
			resp.Proxy = append(resp.Proxy, proxyStatus{
				Prefix:          rule.Prefix(),
				Target:          rule.Target().String(),
				ChangeOrigin:    rule.ChangeOrigin(),
				Healthy:         up.IsHealthy(),
				Breaker:         d.breakers.GetBreaker(rule.Prefix()).State(),
				ActiveRequests:  up.ActiveRequests(),
				AvgResponseTime: up.EWMATime().String(),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
