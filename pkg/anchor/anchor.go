// Package anchor periodically publishes chain state to independent external
// media so that rewriting history would require compromising every copy.
package anchor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fides/pkg/models"
)

// Default cadence: anchor every hour or every 100 accepted records, whichever
// comes first. A gap beyond 24h marks the publisher unhealthy.
const (
	DefaultInterval      = time.Hour
	DefaultRecordTrigger = 100
	MaxAnchorGap         = 24 * time.Hour
	publishAttempts      = 3
)

// Chain is the ledger surface the publisher reads.
type Chain interface {
	State() (height int, stateHash string)
	SinceLastAnchor() int
	MarkAnchored(height int)
}

// Medium is one external publication target. Publish returns an external
// reference (transaction id, gazette entry, message offset) for the anchor log.
type Medium interface {
	Category() string
	Name() string
	Publish(ctx context.Context, a models.Anchor) (string, error)
}

// Store persists the append-only anchor log.
type Store interface {
	AppendAnchor(ctx context.Context, a models.Anchor) error
	LoadAnchors(ctx context.Context) ([]models.Anchor, error)
}

// MemoryStore keeps anchors in memory.
type MemoryStore struct {
	mu      sync.Mutex
	anchors []models.Anchor
}

func (s *MemoryStore) AppendAnchor(ctx context.Context, a models.Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = append(s.anchors, a)
	return nil
}

func (s *MemoryStore) LoadAnchors(ctx context.Context) ([]models.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Anchor, len(s.anchors))
	copy(out, s.anchors)
	return out, nil
}

// Status is the publisher health snapshot served on the status endpoint.
type Status struct {
	LastAnchorAt        string `json:"last_anchor_at,omitempty"`
	LastAnchorHeight    int    `json:"last_anchor_height"`
	RecordsSinceAnchor  int    `json:"records_since_anchor"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Healthy             bool   `json:"healthy"`
}

// Publisher drives the anchoring cadence. It requires at least two media from
// distinct categories; an anchor counts as published only when two distinct
// categories confirmed it.
type Publisher struct {
	chain    Chain
	media    []Medium
	store    Store
	interval time.Duration
	trigger  int
	now      func() time.Time

	mu       sync.Mutex
	seq      int
	last     time.Time
	lastH    int
	failures int
}

func NewPublisher(chain Chain, store Store, media []Medium, opts ...PublisherOption) (*Publisher, error) {
	categories := map[string]struct{}{}
	for _, m := range media {
		categories[m.Category()] = struct{}{}
	}
	if len(categories) < 2 {
		return nil, models.ValidationError("INSUFFICIENT_MEDIA", "media",
			"anchoring requires media from at least 2 distinct categories, got %d", len(categories))
	}
	if store == nil {
		store = &MemoryStore{}
	}
	p := &Publisher{
		chain:    chain,
		media:    media,
		store:    store,
		interval: DefaultInterval,
		trigger:  DefaultRecordTrigger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	existing, err := store.LoadAnchors(context.Background())
	if err != nil {
		return nil, err
	}
	if n := len(existing); n > 0 {
		p.seq = existing[n-1].Seq + 1
		p.lastH = existing[n-1].ChainHeight
		if ts, err := models.ParseTimestamp(existing[n-1].Timestamp); err == nil {
			p.last = ts
		}
	}
	return p, nil
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

func WithInterval(d time.Duration) PublisherOption { return func(p *Publisher) { p.interval = d } }
func WithRecordTrigger(n int) PublisherOption { return func(p *Publisher) { p.trigger = n } }
func WithClock(now func() time.Time) PublisherOption { return func(p *Publisher) { p.now = now } }

// Run anchors on the configured cadence until ctx is cancelled. The poll tick
// is short so the record-count trigger fires promptly between intervals.
func (p *Publisher) Run(ctx context.Context) {
	tick := p.interval / 20
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.due() {
				continue
			}
			if _, err := p.PublishNow(ctx); err != nil {
				log.Printf("anchor: publish failed: %v", err)
			}
		}
	}
}

func (p *Publisher) due() bool {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if p.chain.SinceLastAnchor() >= p.trigger {
		return true
	}
	if last.IsZero() {
		return true
	}
	return p.now().Sub(last) >= p.interval
}

// PublishNow anchors the current chain state immediately. Each medium gets a
// few attempts with doubling backoff; the anchor is committed once two
// distinct categories have confirmed.
func (p *Publisher) PublishNow(ctx context.Context) (models.Anchor, error) {
	height, stateHash := p.chain.State()

	p.mu.Lock()
	seq := p.seq
	p.mu.Unlock()

	a := models.Anchor{
		AnchorID:    uuid.NewString(),
		Seq:         seq,
		Timestamp:   p.now().UTC().Format(time.RFC3339),
		ChainHeight: height,
		StateHash:   stateHash,
	}

	confirmed := map[string]struct{}{}
	for _, m := range p.media {
		ref, err := p.publishWithRetry(ctx, m, a)
		if err != nil {
			log.Printf("anchor: medium %s/%s failed: %v", m.Category(), m.Name(), err)
			continue
		}
		a.Media = append(a.Media, models.AnchorRef{Category: m.Category(), Name: m.Name(), Reference: ref})
		confirmed[m.Category()] = struct{}{}
	}
	if len(confirmed) < 2 {
		p.recordFailure()
		return models.Anchor{}, models.ValidationError("ANCHOR_NOT_CONFIRMED", "",
			"only %d media categories confirmed, need 2", len(confirmed))
	}
	if err := p.store.AppendAnchor(ctx, a); err != nil {
		p.recordFailure()
		return models.Anchor{}, err
	}

	p.mu.Lock()
	p.seq = seq + 1
	p.last = p.now()
	p.lastH = height
	p.failures = 0
	p.mu.Unlock()
	p.chain.MarkAnchored(height)
	return a, nil
}

func (p *Publisher) publishWithRetry(ctx context.Context, m Medium, a models.Anchor) (string, error) {
	delay := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		ref, err := m.Publish(ctx, a)
		if err == nil {
			return ref, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (p *Publisher) recordFailure() {
	p.mu.Lock()
	p.failures++
	p.mu.Unlock()
}

// Anchors returns the anchor log.
func (p *Publisher) Anchors(ctx context.Context) ([]models.Anchor, error) {
	return p.store.LoadAnchors(ctx)
}

// Status reports cadence health. The publisher is unhealthy once the gap
// since the last anchor exceeds the 24h hard limit.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		LastAnchorHeight:    p.lastH,
		RecordsSinceAnchor:  p.chain.SinceLastAnchor(),
		ConsecutiveFailures: p.failures,
		Healthy:             true,
	}
	if !p.last.IsZero() {
		st.LastAnchorAt = p.last.UTC().Format(time.RFC3339)
		st.Healthy = p.now().Sub(p.last) <= MaxAnchorGap
	}
	return st
}
