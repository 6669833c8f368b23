// Package mirror copies every published snapshot to Redis: the latest one is
// kept under a key with a TTL and also announced on a pub/sub channel, so
// dashboards outside this process can follow the engine.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"signalbox/internal/domain"
)

type Config struct {
	URL     string
	Key     string
	Channel string
	TTL     time.Duration
	Logger  *log.Logger
}

// Mirror writes snapshots from its own goroutine. Publish only swaps the
// pending snapshot, so a slow Redis never stalls the tick loop; snapshots
// superseded before they are written are skipped.
type Mirror struct {
	cfg    Config
	client *redis.Client
	slot   chan domain.Snapshot
}

// New parses cfg.URL and pings the server.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("mirror: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("mirror: connect to redis: %w", err)
	}
	return newMirror(cfg, client), nil
}

func newMirror(cfg Config, client *redis.Client) *Mirror {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Mirror{cfg: cfg, client: client, slot: make(chan domain.Snapshot, 1)}
}

// Publish hands s to the writer, replacing any snapshot not yet written.
func (m *Mirror) Publish(s domain.Snapshot) {
	for {
		select {
		case m.slot <- s:
			return
		default:
		}
		select {
		case <-m.slot:
		default:
		}
	}
}

// Run writes pending snapshots until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-m.slot:
			if err := m.write(ctx, s); err != nil {
				m.cfg.Logger.Printf("mirror: tick %d: %v", s.Tick, err)
			}
		}
	}
}

func (m *Mirror) write(ctx context.Context, s domain.Snapshot) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, m.cfg.Key, data, m.cfg.TTL)
		p.Publish(ctx, m.cfg.Channel, data)
		return nil
	})
	return err
}

// Fetch reads the mirrored snapshot back. ok is false when the key is absent
// or expired.
func (m *Mirror) Fetch(ctx context.Context) (s domain.Snapshot, ok bool, err error) {
	data, err := m.client.Get(ctx, m.cfg.Key).Bytes()
	if err == redis.Nil {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	s, err = Decode(data)
	return s, err == nil, err
}

func (m *Mirror) Close() error {
	return m.client.Close()
}

func Encode(s domain.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("mirror: encode snapshot %d: %w", s.Tick, err)
	}
	return data, nil
}

func Decode(data []byte) (domain.Snapshot, error) {
	var s domain.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("mirror: decode snapshot: %w", err)
	}
	return s, nil
}
