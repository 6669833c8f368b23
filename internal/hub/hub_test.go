package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbox/internal/domain"
)

func snap(tick int64) domain.Snapshot {
	return domain.Snapshot{
		Tick: tick,
		KPIs: domain.KPIs{ActiveConflicts: int(tick)},
	}
}

func drain(s *Subscription) []Message {
	var out []Message
	for {
		m, ok := s.TryNext()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestSubscribe_LatestSnapshotFirst(t *testing.T) {
	h := New(4)
	h.Publish(snap(1))
	h.Publish(snap(2))

	s := h.Subscribe()
	defer s.Close()
	h.Publish(snap(3))

	got := drain(s)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)
	assert.Equal(t, TopicSnapshot, got[0].Type)
}

func TestSubscribe_BeforeFirstPublish(t *testing.T) {
	h := New(4)
	s := h.Subscribe()
	defer s.Close()

	assert.Equal(t, 0, s.Len())
	h.Publish(snap(1))
	assert.Equal(t, 1, s.Len())
}

func TestPublish_DropsOldest(t *testing.T) {
	h := New(3)
	s := h.Subscribe(TopicKPIs)
	defer s.Close()

	for i := int64(1); i <= 10; i++ {
		h.Publish(snap(i))
	}

	got := drain(s)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{8, 9, 10}, []int64{got[0].Seq, got[1].Seq, got[2].Seq})
	assert.Equal(t, int64(7), s.Dropped())
	assert.Equal(t, domain.KPIs{ActiveConflicts: 10}, got[2].Data)
}

func TestPublish_SlowSubscriberDoesNotAffectOthers(t *testing.T) {
	h := New(2)
	slow := h.Subscribe()
	defer slow.Close()
	fast := h.Subscribe()
	defer fast.Close()

	var seen []int64
	for i := int64(1); i <= 5; i++ {
		h.Publish(snap(i))
		for _, m := range drain(fast) {
			seen = append(seen, m.Seq)
		}
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
	assert.Equal(t, int64(0), fast.Dropped())
	assert.Equal(t, int64(3), slow.Dropped())
}

func TestPublish_IgnoresOlderTick(t *testing.T) {
	h := New(4)
	s := h.Subscribe()
	defer s.Close()
	h.Publish(snap(5))
	h.Publish(snap(3))
	stale := snap(5)
	stale.Stale = true
	h.Publish(stale)

	got := drain(s)
	require.Len(t, got, 2)
	assert.Equal(t, int64(5), got[1].Seq)
	assert.True(t, got[1].Stale)
}

func TestTopics_OneMessagePerTopic(t *testing.T) {
	h := New(8)
	s := h.Subscribe(TopicConflicts, TopicKPIs)
	defer s.Close()
	h.Publish(snap(1))

	got := drain(s)
	require.Len(t, got, 2)
	assert.Equal(t, TopicConflicts, got[0].Type)
	assert.Equal(t, TopicKPIs, got[1].Type)
}

func TestPublish_BoundCountsTicksNotTopics(t *testing.T) {
	h := New(2)
	s := h.Subscribe(TopicPositions, TopicTracks, TopicKPIs)
	defer s.Close()
	for i := int64(1); i <= 3; i++ {
		h.Publish(snap(i))
	}

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, int64(1), s.Dropped())

	got := drain(s)
	require.Len(t, got, 6)
	seen := map[Topic]int{}
	for i, m := range got {
		seen[m.Type]++
		assert.Equal(t, int64(2+i/3), m.Seq)
	}
	assert.Equal(t, map[Topic]int{TopicPositions: 2, TopicTracks: 2, TopicKPIs: 2}, seen)
	assert.Equal(t, TopicPositions, got[0].Type)
	assert.Equal(t, TopicKPIs, got[5].Type)
}

func TestPublish_DropWhilePartlyDelivered(t *testing.T) {
	h := New(1)
	s := h.Subscribe(TopicConflicts, TopicKPIs)
	defer s.Close()
	h.Publish(snap(1))

	m, ok := s.TryNext()
	require.True(t, ok)
	assert.Equal(t, TopicConflicts, m.Type)

	h.Publish(snap(2))
	got := drain(s)
	require.Len(t, got, 2)
	assert.Equal(t, TopicConflicts, got[0].Type)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, TopicKPIs, got[1].Type)
	assert.Equal(t, int64(1), s.Dropped())
}

func TestParseTopics(t *testing.T) {
	ts, err := ParseTopics(nil)
	require.NoError(t, err)
	assert.Equal(t, []Topic{TopicSnapshot}, ts)

	ts, err = ParseTopics([]string{"kpis", " audit", "kpis"})
	require.NoError(t, err)
	assert.Equal(t, []Topic{TopicKPIs, TopicAudit}, ts)

	_, err = ParseTopics([]string{"weather"})
	var ve domain.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestNext_ContextAndClose(t *testing.T) {
	h := New(2)
	s := h.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Publish(snap(1))
	}()
	m, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)

	s.Close()
	s.Close()
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, h.Subscribers())
}

func TestConcurrentPublish_NonDecreasing(t *testing.T) {
	h := New(4)
	s := h.Subscribe()
	defer s.Close()

	done := make(chan struct{})
	var seen []int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				for _, m := range drain(s) {
					seen = append(seen, m.Seq)
				}
				return
			case <-s.Wait():
				for _, m := range drain(s) {
					seen = append(seen, m.Seq)
				}
			}
		}
	}()
	for i := int64(1); i <= 500; i++ {
		h.Publish(snap(i))
	}
	close(done)
	wg.Wait()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i-1], seen[i])
	}
	assert.Equal(t, int64(500), seen[len(seen)-1])
}

func newWSServer(t *testing.T, h *Hub, cmds CommandFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, WSConfig{
			PingInterval:    50 * time.Millisecond,
			LivenessTimeout: 200 * time.Millisecond,
			Logger:          log.New(io.Discard, "", 0),
			Commands:        cmds,
			ErrorCode:       func(error) string { return "invalid_transition" },
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestWS_SnapshotOnConnect(t *testing.T) {
	h := New(4)
	h.Publish(snap(7))
	srv := newWSServer(t, h, nil)

	conn := dial(t, srv, "?topics=kpis")
	m := readFrame(t, conn)

	assert.Equal(t, "kpis", m["type"])
	assert.Equal(t, float64(7), m["seq"])
}

func TestWS_BadTopicRejected(t *testing.T) {
	h := New(4)
	srv := newWSServer(t, h, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?topics=weather"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWS_CommandsAndSubscribe(t *testing.T) {
	h := New(4)
	srv := newWSServer(t, h, func(_ context.Context, in Inbound) (any, error) {
		if in.Type == MsgReject {
			return nil, errors.New("cannot reject")
		}
		var p map[string]string
		_ = json.Unmarshal(in.Payload, &p)
		return map[string]string{"ticket": p["id"]}, nil
	})
	conn := dial(t, srv, "")

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgAccept, ID: "1", Payload: json.RawMessage(`{"id":"R-1"}`)}))
	m := readFrame(t, conn)
	assert.Equal(t, MsgAck, m["type"])
	assert.Equal(t, "1", m["id"])
	assert.Equal(t, map[string]any{"ticket": "R-1"}, m["payload"])

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgReject, ID: "2"}))
	m = readFrame(t, conn)
	assert.Equal(t, MsgError, m["type"])
	assert.Equal(t, "invalid_transition", m["payload"].(map[string]any)["code"])

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgSubscribe, ID: "3", Payload: json.RawMessage(`{"topics":["conflicts"]}`)}))
	m = readFrame(t, conn)
	assert.Equal(t, MsgAck, m["type"])

	assert.Equal(t, "3", m["id"])

	h.Publish(snap(1))
	m = readFrame(t, conn)
	assert.Equal(t, "conflicts", m["type"])
	assert.Equal(t, float64(1), m["seq"])
}

func TestWS_ClosingReleasesSubscription(t *testing.T) {
	h := New(4)
	srv := newWSServer(t, h, nil)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWS_LivenessTimeoutClosesSilentPeer(t *testing.T) {
	h := New(4)
	srv := newWSServer(t, h, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	// Answer nothing: the default ping handler only replies while a read is
	// in progress, and this client never reads.
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
