// Package app assembles a running signalbox from a loaded config.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"signalbox/internal/config"
	"signalbox/internal/domain"
	"signalbox/internal/engine"
	"signalbox/internal/engine/auth"
	"signalbox/internal/feed"
	"signalbox/internal/hub"
	"signalbox/internal/mirror"
	"signalbox/internal/occupancy"
	"signalbox/internal/server"
	"signalbox/internal/store"
	"signalbox/internal/workflow"
)

type Options struct {
	Logger  *log.Logger
	Version string
}

// Runtime holds every component of one process. Store and Mirror are nil
// when their config sections are empty.
type Runtime struct {
	Config   *config.Config
	Store    *store.Store
	Workflow *workflow.Workflow
	Feed     *feed.Sim
	Engine   *engine.Engine
	Hub      *hub.Hub
	Mirror   *mirror.Mirror
	Handler  http.Handler
	Logger   *log.Logger
}

// Build wires cfg into a Runtime. Tickets that were still open when the
// previous process stopped are restored from the store.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	wopts := workflow.Options{
		Timeout:       cfg.Engine.TicketTimeout,
		AuditCapacity: cfg.Engine.AuditCapacity,
		Logger:        logger,
	}
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		rt.Store = st
		wopts.Sink = st
	}
	rt.Workflow = workflow.New(wopts)
	if rt.Store != nil {
		if err := restore(ctx, rt.Store, rt.Workflow, cfg.Engine.AuditCapacity); err != nil {
			return nil, err
		}
	}

	sim, err := SeedSim(cfg)
	if err != nil {
		return nil, err
	}
	rt.Feed = sim
	rt.Hub = hub.New(cfg.Hub.QueueSize)
	publishers := []engine.Publisher{rt.Hub}
	if cfg.Mirror.RedisURL != "" {
		m, err := mirror.New(ctx, mirror.Config{
			URL:     cfg.Mirror.RedisURL,
			Key:     cfg.Mirror.Key,
			Channel: cfg.Mirror.Channel,
			TTL:     cfg.Mirror.TTL,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		rt.Mirror = m
		publishers = append(publishers, m)
	}

	bands := Bands(cfg)
	rt.Engine, err = engine.New(engine.Options{
		Tracks:     Tracks(cfg),
		Bands:      bands,
		Tick:       cfg.Engine.Tick,
		MaxSpeed:   cfg.Engine.MaxSpeed,
		Feed:       sim,
		Workflow:   rt.Workflow,
		Publishers: publishers,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	rt.Handler, err = server.New(server.Config{
		Engine:   rt.Engine,
		Hub:      rt.Hub,
		Store:    rt.Store,
		Policy:   auth.NewPolicy(cfg.RBAC.RolePermissions()),
		Bands:    bands,
		BasePath: cfg.Server.BasePath,
		Auth:     AuthConfig(cfg, logger),
		WS: hub.WSConfig{
			PingInterval:    cfg.Hub.PingInterval,
			LivenessTimeout: cfg.Hub.LivenessTimeout,
			Logger:          logger,
		},
		Version: opts.Version,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func restore(ctx context.Context, st *store.Store, wf *workflow.Workflow, auditCap int) error {
	tickets, err := st.UnsettledTickets(ctx)
	if err != nil {
		return fmt.Errorf("restore tickets: %w", err)
	}
	if auditCap <= 0 {
		auditCap = 1000
	}
	audit, err := st.LatestAudit(ctx, auditCap)
	if err != nil {
		return fmt.Errorf("restore audit: %w", err)
	}
	wf.Restore(tickets, audit)
	return nil
}

// Run drives the tick loop, the mirror writer and webhook delivery until ctx
// is done.
func (rt *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if rt.Mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Mirror.Run(ctx)
		}()
	}
	if len(rt.Config.Webhooks) > 0 {
		var src server.AuditSource = server.WorkflowAudit{W: rt.Workflow}
		if rt.Store != nil {
			src = rt.Store
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.RunWebhooks(ctx, src, rt.Config.Webhooks, server.WebhookOptions{Logger: rt.Logger})
		}()
	}
	rt.Engine.Run(ctx)
	wg.Wait()
}

func (rt *Runtime) Close() error {
	var first error
	if rt.Mirror != nil {
		if err := rt.Mirror.Close(); err != nil {
			first = err
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func Tracks(cfg *config.Config) []domain.Track {
	out := make([]domain.Track, len(cfg.Topology.Tracks))
	for i, t := range cfg.Topology.Tracks {
		out[i] = domain.Track{
			ID:         t.ID,
			From:       domain.Point(t.From),
			To:         domain.Point(t.To),
			Status:     domain.TrackFree,
			SpeedLimit: t.SpeedLimit,
		}
	}
	return out
}

func Bands(cfg *config.Config) occupancy.Bands {
	return occupancy.Bands{Near: cfg.Engine.NearRadius, Approach: cfg.Engine.ApproachRadius}
}

func AuthConfig(cfg *config.Config, logger *log.Logger) server.AuthConfig {
	return server.AuthConfig{
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		DevLogin:  cfg.Auth.DevLogin,
		TokenTTL:  cfg.Auth.TokenTTL,
		Logger:    logger,
	}
}

// SeedSim builds the simulated world from the trains section.
func SeedSim(cfg *config.Config) (*feed.Sim, error) {
	sim := feed.NewSim(feed.SimOptions{Step: cfg.Feed.Step, Tick: cfg.Engine.Tick})
	for _, st := range cfg.Trains {
		route := make([]domain.Point, len(st.Route))
		for i, p := range st.Route {
			route[i] = domain.Point(p)
		}
		t := domain.Train{
			ID:       st.ID,
			Name:     st.Name,
			Speed:    st.Speed,
			MaxSpeed: st.MaxSpeed,
			Priority: domain.Priority(st.Priority),
			Status:   domain.TrainRunning,
		}
		if err := sim.Add(t, route, st.Loop); err != nil {
			return nil, fmt.Errorf("seed train %s: %w", st.ID, err)
		}
	}
	return sim, nil
}
