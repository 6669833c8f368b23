package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbox/internal/domain"
)

type memSink struct {
	mu      sync.Mutex
	tickets map[string]domain.Ticket
	audit   []domain.AuditEntry
	fail    bool
}

func (s *memSink) SaveTicket(_ context.Context, t domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	if s.tickets == nil {
		s.tickets = map[string]domain.Ticket{}
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *memSink) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.audit = append(s.audit, e)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newWorkflow(t *testing.T, opts Options) (*Workflow, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	n := 0
	opts.Now = c.now
	opts.NewID = func() string { n++; return fmt.Sprintf("TK-%d", n) }
	opts.Logger = log.New(io.Discard, "", 0)
	return New(opts), c
}

func hold(id, train, track string) domain.Recommendation {
	return domain.Recommendation{
		ID:         id,
		ConflictID: "C-" + track + "-1",
		Track:      track,
		Action:     domain.ActionHold,
		Train:      train,
		Priority:   domain.PriorityHigh,
	}
}

func TestCreate_Pending(t *testing.T) {
	w, _ := newWorkflow(t, Options{})

	tk, created := w.Create(hold("R-C-B1-1", "T2", "B1"))

	require.True(t, created)
	assert.Equal(t, "TK-1", tk.ID)
	assert.Equal(t, domain.TicketPending, tk.Status)
	assert.Equal(t, int64(1), tk.Version)
	audit := w.Audit(0)
	require.Len(t, audit, 1)
	assert.Equal(t, ActionCreated, audit[0].Action)
	assert.Equal(t, SystemActor, audit[0].Actor)
	assert.Equal(t, "R-C-B1-1", audit[0].Payload["recommendation_id"])
}

func TestCreate_OneLiveTicketPerSubject(t *testing.T) {
	w, _ := newWorkflow(t, Options{})

	first, _ := w.Create(hold("R-C-B1-1", "T2", "B1"))
	again, created := w.Create(hold("R-C-B1-2", "T2", "B1"))

	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, w.LiveCount())

	// The re-issued id resolves to the same ticket.
	byAlias, err := w.ByRecommendation("R-C-B1-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byAlias.ID)

	other, created := w.Create(hold("R-C-B2-2", "T2", "B2"))
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCreate_NewTicketAfterTerminal(t *testing.T) {
	w, _ := newWorkflow(t, Options{})
	first, _ := w.Create(hold("R-C-B1-1", "T2", "B1"))
	_, err := w.OperatorAccept(first.ID, "op")
	require.NoError(t, err)

	next, created := w.Create(hold("R-C-B1-9", "T2", "B1"))

	assert.True(t, created)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestOperatorAccept(t *testing.T) {
	w, c := newWorkflow(t, Options{})
	tk, _ := w.Create(hold("R-1", "T2", "B1"))
	c.advance(time.Second)

	got, err := w.OperatorAccept(tk.ID, "alice")

	require.NoError(t, err)
	assert.Equal(t, domain.TicketOperatorAccepted, got.Status)
	assert.Equal(t, c.t, got.UpdatedAt)
	assert.Equal(t, int64(2), got.Version)
	last := w.Audit(1)[0]
	assert.Equal(t, "alice", last.Actor)
	assert.Equal(t, domain.TicketPending, last.From)
	assert.Equal(t, domain.TicketOperatorAccepted, last.To)
	assert.Equal(t, 0, w.LiveCount())
}

func TestSupervisorPath(t *testing.T) {
	w, _ := newWorkflow(t, Options{})
	tk, _ := w.Create(hold("R-1", "T2", "B1"))

	got, err := w.RequestSupervisor(tk.ID, "op")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketAwaitingSupervisor, got.Status)
	assert.Len(t, w.Pending(), 1)

	got, err = w.SupervisorApprove(tk.ID, "sup", "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketApproved, got.Status)
	assert.Equal(t, "ok", got.Comment)
	assert.Empty(t, w.Pending())
}

func TestSupervisorReject_NeverApplied(t *testing.T) {
	w, _ := newWorkflow(t, Options{})
	tk, _ := w.Create(hold("R-1", "T2", "B1"))
	_, err := w.RequestSupervisor(tk.ID, "op")
	require.NoError(t, err)
	before := len(w.Audit(0))

	got, err := w.SupervisorReject(tk.ID, "sup", "unsafe")

	require.NoError(t, err)
	assert.Equal(t, domain.TicketRejected, got.Status)
	audit := w.Audit(0)
	require.Len(t, audit, before+1)
	last := audit[len(audit)-1]
	assert.Equal(t, ActionRejected, last.Action)
	assert.Equal(t, "unsafe", last.Comment)

	_, err = w.MarkApplied(tk.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestInvalidTransitions_NoPartialEffect(t *testing.T) {
	cases := []struct {
		name  string
		setup func(w *Workflow, id string)
		act   func(w *Workflow, id string) error
	}{
		{"approve pending", nil, func(w *Workflow, id string) error {
			_, err := w.SupervisorApprove(id, "sup", "")
			return err
		}},
		{"reject pending", nil, func(w *Workflow, id string) error {
			_, err := w.SupervisorReject(id, "sup", "")
			return err
		}},
		{"accept awaiting", func(w *Workflow, id string) { _, _ = w.RequestSupervisor(id, "op") }, func(w *Workflow, id string) error {
			_, err := w.OperatorAccept(id, "op")
			return err
		}},
		{"accept twice", func(w *Workflow, id string) { _, _ = w.OperatorAccept(id, "op") }, func(w *Workflow, id string) error {
			_, err := w.OperatorAccept(id, "op")
			return err
		}},
		{"expire approved", func(w *Workflow, id string) {
			_, _ = w.RequestSupervisor(id, "op")
			_, _ = w.SupervisorApprove(id, "sup", "")
		}, func(w *Workflow, id string) error {
			_, err := w.Expire(id)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, _ := newWorkflow(t, Options{})
			tk, _ := w.Create(hold("R-1", "T2", "B1"))
			if tc.setup != nil {
				tc.setup(w, tk.ID)
			}
			before, _ := w.Get(tk.ID)
			auditLen := len(w.Audit(0))

			err := tc.act(w, tk.ID)

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			var te *domain.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, before.Status, te.From)
			after, _ := w.Get(tk.ID)
			assert.Equal(t, before, after)
			assert.Len(t, w.Audit(0), auditLen)
		})
	}
}

func TestUnknownTicket(t *testing.T) {
	w, _ := newWorkflow(t, Options{})

	_, err := w.OperatorAccept("nope", "op")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = w.Get("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = w.ByRecommendation("R-nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	w, c := newWorkflow(t, Options{Timeout: time.Minute})
	a, _ := w.Create(hold("R-1", "T2", "B1"))
	c.advance(30 * time.Second)
	b, _ := w.Create(hold("R-2", "T3", "B2"))
	c.advance(45 * time.Second)

	expired := w.ExpireStale(c.t)

	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)
	assert.Equal(t, domain.TicketExpired, expired[0].Status)
	still, _ := w.Get(b.ID)
	assert.Equal(t, domain.TicketPending, still.Status)
	assert.Equal(t, SystemActor, w.Audit(1)[0].Actor)
}

func TestExpireStale_Disabled(t *testing.T) {
	w, c := newWorkflow(t, Options{})
	w.Create(hold("R-1", "T2", "B1"))
	c.advance(24 * time.Hour)

	assert.Empty(t, w.ExpireStale(c.t))
}

func TestTakeResolvedAndMarkApplied(t *testing.T) {
	w, _ := newWorkflow(t, Options{})
	a, _ := w.Create(hold("R-1", "T2", "B1"))
	b, _ := w.Create(hold("R-2", "T3", "B2"))
	_, _ = w.OperatorAccept(a.ID, "op")
	_, _ = w.RequestSupervisor(b.ID, "op")
	_, _ = w.SupervisorReject(b.ID, "sup", "no")

	resolved := w.TakeResolved()

	require.Len(t, resolved, 2)
	assert.Equal(t, a.ID, resolved[0].ID)
	assert.Equal(t, b.ID, resolved[1].ID)
	assert.Empty(t, w.TakeResolved())

	applied, err := w.MarkApplied(a.ID, map[string]any{"speed": 0})
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	_, err = w.MarkApplied(a.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, ActionApplied, w.Audit(1)[0].Action)
}

func TestAudit_CappedAndOrdered(t *testing.T) {
	w, _ := newWorkflow(t, Options{AuditCapacity: 3})
	for i := 0; i < 5; i++ {
		w.Record("op", "control.stop", map[string]any{"i": i})
	}

	all := w.Audit(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})
	assert.Len(t, w.Audit(2), 2)
	assert.Equal(t, int64(5), w.Audit(2)[1].Seq)
	assert.Len(t, w.AuditSince(4), 1)
	assert.Equal(t, int64(5), w.LastSeq())
}

func TestRetention_PrunesSettled(t *testing.T) {
	w, _ := newWorkflow(t, Options{Retention: 1})
	a, _ := w.Create(hold("R-1", "T1", "B1"))
	b, _ := w.Create(hold("R-2", "T2", "B2"))
	c, _ := w.Create(hold("R-3", "T3", "B3"))
	_, _ = w.RequestSupervisor(a.ID, "op")
	_, _ = w.SupervisorReject(a.ID, "sup", "")
	_, _ = w.RequestSupervisor(b.ID, "op")
	_, _ = w.SupervisorReject(b.ID, "sup", "")
	w.TakeResolved()

	_, err := w.Get(a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = w.Get(b.ID)
	assert.NoError(t, err)
	_, err = w.Get(c.ID)
	assert.NoError(t, err)
}

func TestSink_PersistsAndFailureDoesNotUndo(t *testing.T) {
	sink := &memSink{}
	w, _ := newWorkflow(t, Options{Sink: sink})
	tk, _ := w.Create(hold("R-1", "T2", "B1"))
	_, err := w.OperatorAccept(tk.ID, "op")
	require.NoError(t, err)

	assert.Equal(t, domain.TicketOperatorAccepted, sink.tickets[tk.ID].Status)
	assert.Len(t, sink.audit, 2)

	sink.fail = true
	other, _ := w.Create(hold("R-2", "T3", "B2"))
	got, err := w.RequestSupervisor(other.ID, "op")
	require.NoError(t, err)
	assert.Equal(t, domain.TicketAwaitingSupervisor, got.Status)
}

func TestRestore(t *testing.T) {
	w, _ := newWorkflow(t, Options{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Restore([]domain.Ticket{
		{ID: "a", Recommendation: hold("R-1", "T2", "B1"), Status: domain.TicketPending, UpdatedAt: now},
		{ID: "b", Recommendation: hold("R-2", "T3", "B2"), Status: domain.TicketApproved, UpdatedAt: now},
		{ID: "c", Recommendation: hold("R-3", "T1", "B3"), Status: domain.TicketApproved, Applied: true, UpdatedAt: now},
	}, []domain.AuditEntry{{Seq: 41}, {Seq: 42}})

	assert.Equal(t, 1, w.LiveCount())
	_, created := w.Create(hold("R-9", "T2", "B1"))
	assert.False(t, created)

	resolved := w.TakeResolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, "b", resolved[0].ID)

	e := w.Record("op", "control.start", nil)
	assert.Equal(t, int64(43), e.Seq)
}

func TestConcurrentTransitions_SingleWinner(t *testing.T) {
	w, _ := newWorkflow(t, Options{})
	tk, _ := w.Create(hold("R-1", "T2", "B1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = w.OperatorAccept(tk.ID, "op")
			} else {
				_, err = w.RequestSupervisor(tk.ID, "op")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
