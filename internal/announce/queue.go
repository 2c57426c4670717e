package announce

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/sightline/internal/detection"
)

const (
	DefaultMinConfidence = 0.65
	DefaultCooldown      = 5 * time.Second
	DefaultMaxLength     = 5

	descriptionKeyPrefix = "description:"
)

// Config holds the admission thresholds. Zero fields select the defaults.
type Config struct {
	MinConfidence float64
	Cooldown      time.Duration
	MaxLength     int
}

type Item struct {
	Text       string    `json:"text"`
	Key        string    `json:"key"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type RejectReason string

const (
	RejectLowConfidence RejectReason = "low_confidence"
	RejectCooldown      RejectReason = "cooldown"
)

// Observer receives admission outcomes. Implementations must not call back
// into the queue.
type Observer interface {
	Admitted(item Item)
	Rejected(key string, reason RejectReason)
	Truncated(dropped int)
}

// Queue decides which detections are worth speaking. It owns the cooldown
// table and a bounded FIFO; every read goes through the mutex so callers always
// see the live state.
type Queue struct {
	cfg      Config
	observer Observer

	mu       sync.Mutex
	items    []Item
	cooldown map[string]time.Time
}

func NewQueue(cfg Config, observer Observer) *Queue {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	return &Queue{
		cfg:      cfg,
		observer: observer,
		items:    make([]Item, 0, cfg.MaxLength),
		cooldown: make(map[string]time.Time),
	}
}

// Admit runs one detection batch through the confidence floor and cooldown,
// appends the survivors in receipt order, then trims the head so that only
// the most recent MaxLength items remain.
func (q *Queue) Admit(batch []detection.Detection, now time.Time) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	admitted := make([]Item, 0, len(batch))
	for _, d := range batch {
		key := d.Key()
		if d.Confidence <= q.cfg.MinConfidence {
			q.reject(key, RejectLowConfidence)
			continue
		}
		if q.coolingDown(key, now) {
			q.reject(key, RejectCooldown)
			continue
		}
		admitted = append(admitted, q.push(Phrase(d), key, now))
	}
	q.truncate()
	return admitted
}

// AdmitText queues a free-form description under the same cooldown and bound
// as detections, keyed by its text.
func (q *Queue) AdmitText(text string, now time.Time) (Item, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Item{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := descriptionKeyPrefix + text
	if q.coolingDown(key, now) {
		q.reject(key, RejectCooldown)
		return Item{}, false
	}
	item := q.push(text, key, now)
	q.truncate()
	return item, true
}

func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Requeue puts an item that could not be spoken back at the head. It is
// dropped when the queue has since filled up, since the head is always the
// oldest entry and truncation would discard it anyway.
func (q *Queue) Requeue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cfg.MaxLength {
		return false
	}
	q.items = append(q.items, Item{})
	copy(q.items[1:], q.items)
	q.items[0] = item
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Clear drops pending items but keeps the cooldown table.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// Reset clears pending items and forgets every cooldown.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	q.cooldown = make(map[string]time.Time)
}

func (q *Queue) Config() Config {
	return q.cfg
}

func (q *Queue) coolingDown(key string, now time.Time) bool {
	last, ok := q.cooldown[key]
	return ok && now.Sub(last) < q.cfg.Cooldown
}

func (q *Queue) push(text, key string, now time.Time) Item {
	item := Item{Text: text, Key: key, EnqueuedAt: now}
	q.items = append(q.items, item)
	q.cooldown[key] = now
	if q.observer != nil {
		q.observer.Admitted(item)
	}
	return item
}

func (q *Queue) truncate() {
	excess := len(q.items) - q.cfg.MaxLength
	if excess <= 0 {
		return
	}
	kept := make([]Item, q.cfg.MaxLength, cap(q.items))
	copy(kept, q.items[excess:])
	q.items = kept
	if q.observer != nil {
		q.observer.Truncated(excess)
	}
}

func (q *Queue) reject(key string, reason RejectReason) {
	if q.observer != nil {
		q.observer.Rejected(key, reason)
	}
}

// Phrase renders the spoken sentence for one detection.
func Phrase(d detection.Detection) string {
	if d.Text != "" {
		return d.Text
	}
	if d.Position == detection.PositionCenter {
		return fmt.Sprintf("%s directly ahead, %s.", d.Name, d.Distance)
	}
	return fmt.Sprintf("%s to your %s, %s.", d.Name, d.Position, d.Distance)
}
