// Package gateway is the HTTP front: the Anthropic-protocol /v1/messages
// endpoint, the account failover loop behind it, and the status surfaces.
//
// DESIGN: One Gateway owns the pool, the upstream client, and the
// translation registry. The orchestrator (orchestrator.go) runs the
// account selection/retry policy for one request; handler.go owns wire
// parsing and SSE writing; ws.go feeds live pool snapshots to dashboards.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/apierr"
	"github.com/gravitygw/gravity-gateway/internal/config"
	"github.com/gravitygw/gravity-gateway/internal/monitoring"
	"github.com/gravitygw/gravity-gateway/internal/pool"
	"github.com/gravitygw/gravity-gateway/internal/signature"
	"github.com/gravitygw/gravity-gateway/internal/upstream"
)

// Gateway wires the pool, upstream client, and monitoring together.
type Gateway struct {
	cfg      *config.Config
	pool     *pool.AccountPool
	client   *upstream.Client
	registry *signature.Registry
	tracker  *monitoring.Tracker
	metrics  *monitoring.MetricsCollector
	usage    *monitoring.UsageLog
	hub      *statusHub
}

// Options carries the collaborators a Gateway needs. Usage may be nil when
// the usage database is disabled.
type Options struct {
	Config   *config.Config
	Pool     *pool.AccountPool
	Client   *upstream.Client
	Registry *signature.Registry
	Tracker  *monitoring.Tracker
	Metrics  *monitoring.MetricsCollector
	Usage    *monitoring.UsageLog
}

func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:      opts.Config,
		pool:     opts.Pool,
		client:   opts.Client,
		registry: opts.Registry,
		tracker:  opts.Tracker,
		metrics:  opts.Metrics,
		usage:    opts.Usage,
		hub:      newStatusHub(),
	}
	g.pool.OnChange(g.hub.broadcast)
	return g
}

// Handler builds the route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", g.handleMessages)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /status", g.handleStatus)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.HandleFunc("GET /usage", g.handleUsage)
	mux.HandleFunc("GET /ws/status", g.handleStatusWS)
	return mux
}

// ListenAndServe runs the gateway until ctx is cancelled.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", g.cfg.Server.Port),
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.Server.ReadTimeout,
		WriteTimeout: g.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", g.cfg.Server.Port).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// writeAPIError serializes an error in the taxonomy JSON shape.
func (g *Gateway) writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Upstream(http.StatusInternalServerError, err.Error())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": apiErr,
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":   "ok",
		"time":     time.Now().Format(time.RFC3339),
		"accounts": g.pool.Len(),
	}
	if g.pool.Len() == 0 {
		health["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	tools, families := g.registry.Len()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pool": g.pool.Status(),
		"signatures": map[string]int{
			"tools":    tools,
			"families": families,
		},
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.metrics.Stats())
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	if g.usage == nil {
		http.Error(w, "usage log disabled", http.StatusNotFound)
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	totals, err := g.usage.TotalsByAccount(since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(totals)
}
