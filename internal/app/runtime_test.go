package app

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"signalbox/internal/config"
	"signalbox/internal/domain"
)

func quiet() Options {
	return Options{Logger: log.New(io.Discard, "", 0), Version: "test"}
}

func TestBuildInMemory(t *testing.T) {
	cfg := config.Default()
	rt, err := Build(context.Background(), cfg, quiet())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()
	if rt.Store != nil || rt.Mirror != nil {
		t.Fatalf("expected no store or mirror with empty sections")
	}
	if err := rt.Engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	snap, ok := rt.Hub.Latest()
	if !ok {
		t.Fatalf("expected the hub to hold the first snapshot")
	}
	if len(snap.Positions) != len(cfg.Trains) || len(snap.Tracks) != len(cfg.Topology.Tracks) {
		t.Fatalf("snapshot has %d trains and %d tracks", len(snap.Positions), len(snap.Tracks))
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Tick = 0
	if _, err := Build(context.Background(), cfg, quiet()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRestartRestoresOpenTickets(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "signalbox.db")
	ctx := context.Background()

	rt, err := Build(ctx, cfg, quiet())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	open, _ := rt.Workflow.Create(domain.Recommendation{ID: "r1", Action: domain.ActionHold, Train: "T2", Track: "B1"})
	done, _ := rt.Workflow.Create(domain.Recommendation{ID: "r2", Action: domain.ActionHold, Train: "T3", Track: "B2"})
	if _, err := rt.Workflow.RequestSupervisor(open.ID, "olga"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if _, err := rt.Workflow.OperatorAccept(done.ID, "olga"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := rt.Workflow.MarkApplied(done.ID, nil); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	lastSeq := rt.Workflow.LastSeq()
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt, err = Build(ctx, cfg, quiet())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer rt.Close()
	got, err := rt.Workflow.Get(open.ID)
	if err != nil {
		t.Fatalf("get restored ticket: %v", err)
	}
	if got.Status != domain.TicketAwaitingSupervisor {
		t.Fatalf("expected awaiting_supervisor, got %s", got.Status)
	}
	if _, err := rt.Workflow.Get(done.ID); err == nil {
		t.Fatalf("settled ticket should not be restored into memory")
	}
	if rt.Workflow.LastSeq() != lastSeq {
		t.Fatalf("audit seq %d, want %d", rt.Workflow.LastSeq(), lastSeq)
	}
	// The same subject stays deduplicated across the restart.
	again, created := rt.Workflow.Create(domain.Recommendation{ID: "r3", Action: domain.ActionHold, Train: "T2", Track: "B1"})
	if created || again.ID != open.ID {
		t.Fatalf("expected the restored ticket to cover the subject, got %+v", again)
	}
}

func TestSeedSimFromConfig(t *testing.T) {
	cfg := config.Default()
	sim, err := SeedSim(cfg)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	trains, err := sim.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(trains) != len(cfg.Trains) {
		t.Fatalf("expected %d trains, got %d", len(cfg.Trains), len(trains))
	}
	tracks := Tracks(cfg)
	if tracks[0].ID != cfg.Topology.Tracks[0].ID || tracks[0].Status != domain.TrackFree {
		t.Fatalf("unexpected first track %+v", tracks[0])
	}
}
