package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	MsgSubscribe         = "subscribe"
	MsgAccept            = "accept"
	MsgRequestSupervisor = "request_supervisor"
	MsgApprove           = "approve"
	MsgReject            = "reject"
	MsgAck               = "ack"
	MsgError             = "error"
)

// Inbound is a client-to-server frame.
type Inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers one inbound frame on the same connection.
type Reply struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandFunc executes a non-subscribe inbound frame on behalf of the
// connection's principal.
type CommandFunc func(ctx context.Context, in Inbound) (any, error)

type WSConfig struct {
	PingInterval    time.Duration
	LivenessTimeout time.Duration
	WriteTimeout    time.Duration
	Logger          *log.Logger
	Commands        CommandFunc
	// ErrorCode maps a command error onto the reply code.
	ErrorCode   func(error) string
	CheckOrigin func(*http.Request) bool
}

func (c *WSConfig) defaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.LivenessTimeout <= c.PingInterval {
		c.LivenessTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.ErrorCode == nil {
		c.ErrorCode = func(error) string { return "internal" }
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// ServeWS upgrades the request and streams subscription messages until the
// peer goes away or stops answering pings. Initial topics come from the
// comma-separated "topics" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, cfg WSConfig) {
	cfg.defaults()
	initial, err := ParseTopics(splitTopics(r.URL.Query().Get("topics")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	up := websocket.Upgrader{CheckOrigin: cfg.CheckOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		cfg.Logger.Printf("ws: upgrade: %v", err)
		return
	}
	c := &wsConn{
		hub:     h,
		conn:    conn,
		cfg:     cfg,
		replies: make(chan Reply, 16),
		resub:   make(chan resubscribe),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.readLoop(ctx)
	c.writeLoop(h.Subscribe(initial...))
}

func splitTopics(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type resubscribe struct {
	topics []Topic
	id     string
}

type wsConn struct {
	hub     *Hub
	conn    *websocket.Conn
	cfg     WSConfig
	replies chan Reply
	resub   chan resubscribe
	done    chan struct{} // reader finished
	quit    chan struct{} // writer finished
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer close(c.done)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout))
	})
	for {
		var in Inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.cfg.Logger.Printf("ws: read: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout))
		c.reply(c.handle(ctx, in))
	}
}

func (c *wsConn) handle(ctx context.Context, in Inbound) Reply {
	if in.Type == MsgSubscribe {
		var p struct {
			Topics []string `json:"topics"`
		}
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &p); err != nil {
				return Reply{Type: MsgError, ID: in.ID, Payload: ReplyError{Code: "bad_request", Message: "invalid subscribe payload"}}
			}
		}
		ts, err := ParseTopics(p.Topics)
		if err != nil {
			return Reply{Type: MsgError, ID: in.ID, Payload: ReplyError{Code: "bad_request", Message: err.Error()}}
		}
		// The writer swaps the subscription before it sends the ack.
		select {
		case c.resub <- resubscribe{topics: ts, id: in.ID}:
		case <-c.quit:
		}
		return Reply{}
	}
	if c.cfg.Commands == nil {
		return Reply{Type: MsgError, ID: in.ID, Payload: ReplyError{Code: "bad_request", Message: "unsupported message type " + in.Type}}
	}
	out, err := c.cfg.Commands(ctx, in)
	if err != nil {
		return Reply{Type: MsgError, ID: in.ID, Payload: ReplyError{Code: c.cfg.ErrorCode(err), Message: err.Error()}}
	}
	return Reply{Type: MsgAck, ID: in.ID, Payload: out}
}

func (c *wsConn) reply(r Reply) {
	if r.Type == "" {
		return
	}
	select {
	case c.replies <- r:
	case <-c.quit:
	}
}

func (c *wsConn) writeLoop(sub *Subscription) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ping.Stop()
		close(c.quit)
		sub.Close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case rs := <-c.resub:
			sub.Close()
			sub = c.hub.Subscribe(rs.topics...)
			if err := c.write(Reply{Type: MsgAck, ID: rs.id, Payload: map[string]any{"topics": rs.topics}}); err != nil {
				return
			}
		case r := <-c.replies:
			if err := c.write(r); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Wait():
			for {
				m, ok := sub.TryNext()
				if !ok {
					break
				}
				if err := c.write(m); err != nil {
					return
				}
			}
		}
	}
}

func (c *wsConn) write(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(v)
}
