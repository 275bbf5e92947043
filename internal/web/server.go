package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/eventbus"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/scheduler"
	"github.com/mtzanidakis/archon/internal/secrets"
	"github.com/mtzanidakis/archon/internal/store"
	"github.com/mtzanidakis/archon/internal/vault"
	"github.com/nats-io/nats.go"
)

//go:embed static
var staticFiles embed.FS

type Server struct {
	orch      *orchestrator.Orchestrator
	store     *store.Store
	sched     *scheduler.Scheduler
	vault     *vault.Vault
	bus       *eventbus.Bus
	nats      *eventbus.Client
	resolver  *secrets.Resolver
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(orch *orchestrator.Orchestrator, s *store.Store, sched *scheduler.Scheduler, v *vault.Vault, bus *eventbus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		orch:      orch,
		store:     s,
		sched:     sched,
		vault:     v,
		bus:       bus,
		resolver:  secrets.NewResolver(s, v),
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Bridge NATS events into the WebSocket stream.
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Status page
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("static fs: %w", err)
	}
	mux.Handle("/", http.FileServer(http.FS(staticFS)))

	handler := withCORS(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := eventbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	_, _ = client.Subscribe(eventbus.TopicEventsAll, func(msg *nats.Msg) {
		var event eventbus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid event payload", "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
}
