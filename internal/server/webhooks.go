package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"signalbox/internal/config"
	"signalbox/internal/domain"
	"signalbox/internal/workflow"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// AuditSource is where the dispatcher reads audit entries from. The SQLite
// store satisfies it directly; WorkflowAudit adapts the in-memory trail.
type AuditSource interface {
	AuditAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error)
	LatestAuditSeq(ctx context.Context) (int64, error)
}

// WorkflowAudit reads from the bounded in-memory trail. Entries evicted
// before delivery are lost.
type WorkflowAudit struct {
	W *workflow.Workflow
}

func (a WorkflowAudit) AuditAfter(_ context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	out := a.W.AuditSince(cursor)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a WorkflowAudit) LatestAuditSeq(context.Context) (int64, error) {
	return a.W.LastSeq(), nil
}

type WebhookOptions struct {
	Interval time.Duration
	Client   *http.Client
	Logger   *log.Logger
}

type webhookDispatcher struct {
	source   AuditSource
	webhooks []config.Webhook
	client   *http.Client
	interval time.Duration
	logger   *log.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

// RunWebhooks delivers new audit entries to each configured hook until ctx
// is done. Each hook starts at the entries appended after startup and keeps
// its own cursor; a failed delivery is retried on the next round.
func RunWebhooks(ctx context.Context, source AuditSource, hooks []config.Webhook, opts WebhookOptions) {
	if len(hooks) == 0 || source == nil {
		return
	}
	d := newWebhookDispatcher(source, hooks, opts)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newWebhookDispatcher(source AuditSource, hooks []config.Webhook, opts WebhookOptions) *webhookDispatcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultWebhookInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &webhookDispatcher{
		source:   source,
		webhooks: hooks,
		client:   opts.Client,
		interval: opts.Interval,
		logger:   opts.Logger,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.source.AuditAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Printf("webhook: fetch audit failed: %v", err)
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, e := range entries {
		if !filter.match(e.Action) {
			d.setCursor(idx, e.Seq)
			continue
		}
		if err := d.postEntry(ctx, hook, e); err != nil {
			d.logger.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, e.Seq)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestAuditSeq(ctx)
	if err != nil {
		d.logger.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *webhookDispatcher) postEntry(ctx context.Context, hook config.Webhook, e domain.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signalbox-Event", e.Action)
	req.Header.Set("X-Signalbox-Delivery", fmt.Sprintf("%d", e.Seq))
	if hook.ID != "" {
		req.Header.Set("X-Signalbox-Hook", hook.ID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Signalbox-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// actionFilter matches audit actions exactly or by a trailing ".*" prefix,
// e.g. "ticket.*".
type actionFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newActionFilter(actions []string) actionFilter {
	f := actionFilter{set: make(map[string]struct{}, len(actions))}
	for _, a := range actions {
		key := strings.TrimSpace(a)
		switch {
		case key == "":
		case key == "*":
			return actionFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return actionFilter{all: true}
	}
	return f
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[action]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}
