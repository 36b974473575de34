// Package dedup implements the deduplication rule node: messages of one
// originator are buffered for an interval and then emitted according to a
// strategy.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"rulecore/internal/config"
	"rulecore/internal/constants"
	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/internal/store"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
	"rulecore/pkg/retry"
)

const Type = "deduplication"

type Strategy string

const (
	StrategyFirst Strategy = "FIRST"
	StrategyLast  Strategy = "LAST"
	StrategyAll   Strategy = "ALL"
)

const (
	OverflowDropOldest = "drop_oldest"
	OverflowRejectNew  = "reject_new"
)

type Config struct {
	Interval       int      `json:"interval"`
	Strategy       Strategy `json:"strategy"`
	OutMsgType     string   `json:"out_msg_type"`
	MaxPendingMsgs int      `json:"max_pending_msgs"`
	MaxRetries     int      `json:"max_retries"`
	OverflowPolicy string   `json:"overflow_policy"`
	OriginatorKey  string   `json:"originator_key"`
}

func (c Config) withDefaults(d config.DeduplicationConfig) Config {
	if c.Interval <= 0 {
		c.Interval = d.IntervalSeconds
	}
	if c.Interval <= 0 {
		c.Interval = 60
	}
	if c.Strategy == "" {
		c.Strategy = StrategyFirst
	}
	if c.MaxPendingMsgs <= 0 {
		c.MaxPendingMsgs = d.MaxPendingMsgs
	}
	if c.MaxPendingMsgs <= 0 {
		c.MaxPendingMsgs = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = d.OverflowPolicy
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowDropOldest
	}
	return c
}

func (c Config) validate() error {
	switch c.Strategy {
	case StrategyFirst, StrategyLast:
	case StrategyAll:
		if c.OutMsgType == "" {
			return fmt.Errorf("out_msg_type is required for strategy ALL")
		}
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	switch c.OverflowPolicy {
	case OverflowDropOldest, OverflowRejectNew:
	default:
		return fmt.Errorf("unknown overflow_policy %q", c.OverflowPolicy)
	}
	return nil
}

// window is the buffer of one originator. A closed window has been flushed
// and must not receive more entries.
type window struct {
	mu      sync.Mutex
	key     string
	start   time.Time
	entries []models.Envelope
	timer   *time.Timer
	emitter engine.Emitter
	closed  bool
}

type persistedWindow struct {
	Start   time.Time         `json:"start"`
	Entries []models.Envelope `json:"entries"`
}

var errDestroyed = errors.New("deduplication node destroyed")

type Node struct {
	store    store.NodeStateStore
	defaults config.DeduplicationConfig

	cfg      Config
	nodeID   string
	interval time.Duration
	policy   retry.Policy
	emitter  engine.Emitter
	log      logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	resumes   map[string]*time.Timer
	stale     map[string]time.Time
	destroyed bool
}

// New returns the constructor registered for Type.
func New(stateStore store.NodeStateStore, defaults config.DeduplicationConfig) engine.Constructor {
	return func() engine.Node {
		return &Node{store: stateStore, defaults: defaults, now: time.Now}
	}
}

func (n *Node) Init(ictx engine.InitContext, raw json.RawMessage) error {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("invalid deduplication config: %w", err)
		}
	}
	cfg = cfg.withDefaults(n.defaults)
	if err := cfg.validate(); err != nil {
		return err
	}

	n.cfg = cfg
	n.nodeID = ictx.NodeID
	n.emitter = ictx.Emitter
	n.log = ictx.Logger
	if n.interval == 0 {
		n.interval = time.Duration(cfg.Interval) * time.Second
	}
	n.policy = retry.Policy{
		MaxAttempts:     cfg.MaxRetries + 1,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
	n.windows = make(map[string]*window)
	n.resumes = make(map[string]*time.Timer)
	n.stale = make(map[string]time.Time)

	if n.emitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.recoverWindows(ctx)
		cancel()
	}
	return nil
}

// recoverWindows schedules every window a previous instance of this node
// left in the state store. The state itself is read again when the window
// is due, so whatever the previous instance persisted last is what gets
// emitted.
func (n *Node) recoverWindows(ctx context.Context) {
	keys, err := n.store.Keys(ctx, n.nodeID)
	if err != nil {
		n.log.Warnw("Cannot list deduplication state, windows resume on the next message", "error", err)
		return
	}

	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range keys {
		blob, found, err := n.store.Load(ctx, n.nodeID, key)
		if err != nil {
			n.log.Warnw("Cannot load deduplication state", "entity_key", key, "error", err)
			continue
		}
		var p persistedWindow
		if !found || json.Unmarshal(blob, &p) != nil {
			continue
		}
		wait := p.Start.Add(n.interval).Sub(now)
		if wait < 0 {
			wait = 0
		}
		key := key
		n.resumes[key] = time.AfterFunc(wait, func() { n.resume(key) })
	}
	if len(n.resumes) > 0 {
		n.log.Infow("Scheduled persisted deduplication windows", "windows", len(n.resumes))
	}
}

// resume runs when a recovered window is due. A window already revived by
// an arrival flushes on its own timer.
func (n *Node) resume(key string) {
	n.mu.Lock()
	delete(n.resumes, key)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := n.window(ctx, key)
	if errors.Is(err, errDestroyed) {
		return
	}
	if err != nil {
		n.log.Errorw("Failed to resume deduplication window", "entity_key", key, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.timer != nil {
		return
	}
	if len(w.entries) == 0 {
		w.closed = true
		n.forget(w, time.Time{}, nil)
		return
	}
	n.schedule(w, n.now())
}

func (n *Node) entityKey(env models.Envelope) string {
	if n.cfg.OriginatorKey != "" {
		if v, ok := env.Metadata.Get(n.cfg.OriginatorKey); ok && v != "" {
			return v
		}
	}
	return env.Originator.String()
}

func (n *Node) Process(ctx engine.Context, env models.Envelope) error {
	key := n.entityKey(env)

	for {
		w, err := n.window(ctx.Context(), key)
		if err != nil {
			ctx.TellFailure(env, apperrors.ErrPersistence.WithCause(err))
			return nil
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			continue
		}
		n.arrive(ctx, w, env)
		return nil
	}
}

// arrive buffers env into w, which is locked by the caller. The buffer only
// changes once the new state is persisted.
func (n *Node) arrive(ctx engine.Context, w *window, env models.Envelope) {
	now := n.now()
	start := w.start
	if len(w.entries) == 0 {
		start = now
	}

	kept := w.entries
	var dropped []models.Envelope
	if len(kept) >= n.cfg.MaxPendingMsgs {
		if n.cfg.OverflowPolicy == OverflowRejectNew {
			w.mu.Unlock()
			metrics.DedupOverflowTotal.WithLabelValues(n.nodeID, n.cfg.OverflowPolicy).Inc()
			ctx.TellFailure(env, apperrors.ErrOverflow.WithMessage(
				"deduplication buffer of %s is full (%d messages)", w.key, n.cfg.MaxPendingMsgs))
			return
		}
		drop := len(kept) - n.cfg.MaxPendingMsgs + 1
		dropped = kept[:drop]
		kept = kept[drop:]
	}
	next := make([]models.Envelope, 0, len(kept)+1)
	next = append(append(next, kept...), env)

	if err := n.persist(ctx.Context(), w.key, start, next); err != nil {
		w.mu.Unlock()
		metrics.DedupPersistFailuresTotal.WithLabelValues(n.nodeID).Inc()
		ctx.TellFailure(env, apperrors.ErrPersistence.WithCause(err))
		return
	}

	w.start = start
	w.entries = next
	w.emitter = n.emitterFor(ctx)
	if w.timer == nil {
		n.schedule(w, now)
	}
	n.mu.Lock()
	delete(n.stale, w.key)
	n.mu.Unlock()
	w.mu.Unlock()

	if len(dropped) > 0 {
		metrics.DedupOverflowTotal.WithLabelValues(n.nodeID, n.cfg.OverflowPolicy).Add(float64(len(dropped)))
	}
	for _, d := range dropped {
		ctx.EnqueueForTellFailure(d, apperrors.ErrOverflow.WithMessage(
			"message %s dropped from deduplication buffer of %s", d.ID, w.key))
	}
	metrics.DedupBufferedTotal.WithLabelValues(n.nodeID).Inc()
	ctx.Ack(env)
}

func (n *Node) emitterFor(ctx engine.Context) engine.Emitter {
	if n.emitter != nil {
		return n.emitter
	}
	return ctx
}

// schedule arms the flush of w, which is locked by the caller.
func (n *Node) schedule(w *window, now time.Time) {
	wait := w.start.Add(n.interval).Sub(now)
	if wait < 0 {
		wait = 0
	}
	w.timer = time.AfterFunc(wait, func() { n.flush(w) })
}

// window returns the live window of key, recovering persisted state when
// the key is not buffered in memory.
func (n *Node) window(ctx context.Context, key string) (*window, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed {
		return nil, errDestroyed
	}
	if w, ok := n.windows[key]; ok {
		return w, nil
	}

	w := &window{key: key, emitter: n.emitter}
	blob, found, err := n.store.Load(ctx, n.nodeID, key)
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", key, err)
	}
	if found {
		var p persistedWindow
		switch err := json.Unmarshal(blob, &p); {
		case err != nil:
			n.log.Warnw("Discarding unreadable deduplication state", "entity_key", key, "error", err)
		case n.isStale(key, p.Start):
			n.log.Debugw("Ignoring state of an already flushed window", "entity_key", key)
		default:
			w.start = p.Start
			w.entries = p.Entries
			n.log.Infow("Recovered deduplication window", "entity_key", key, "pending", len(p.Entries))
		}
	}
	n.windows[key] = w
	return w, nil
}

// isStale reports whether the persisted window starting at start was
// flushed already but its state could not be deleted. n.mu is held.
func (n *Node) isStale(key string, start time.Time) bool {
	flushed, ok := n.stale[key]
	return ok && flushed.Equal(start)
}

func (n *Node) persist(ctx context.Context, key string, start time.Time, entries []models.Envelope) error {
	blob, err := json.Marshal(persistedWindow{Start: start, Entries: entries})
	if err != nil {
		return err
	}
	return retry.Retry(ctx, n.policy, func() error {
		return n.store.Save(ctx, n.nodeID, key, blob)
	})
}

// flush emits the window. Its state is deleted while the window is still
// registered, so an arrival during the flush waits and then starts a fresh
// window.
func (n *Node) flush(w *window) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	entries := w.entries
	emitter := w.emitter
	w.timer = nil
	w.closed = true

	if len(entries) > 0 && emitter == nil {
		n.forget(w, time.Time{}, nil)
		w.mu.Unlock()
		n.log.Warnw("No route for deduplication window, state is kept for the next instance",
			"entity_key", w.key, "pending", len(entries))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := retry.Retry(ctx, n.policy, func() error {
		return n.store.Delete(ctx, n.nodeID, w.key)
	})
	cancel()
	w.entries = nil
	n.forget(w, w.start, err)
	w.mu.Unlock()

	if err != nil {
		n.log.Errorw("Failed to delete deduplication state", "entity_key", w.key, "error", err)
	}
	if len(entries) == 0 {
		return
	}

	out := n.pick(entries)
	for _, env := range out {
		emitter.EnqueueForTellNext(env, constants.RelationSuccess)
	}
	metrics.DedupEmittedTotal.WithLabelValues(n.nodeID, string(n.cfg.Strategy)).Add(float64(len(out)))
	n.log.Debugw("Deduplication window flushed",
		"entity_key", w.key, "buffered", len(entries), "emitted", len(out))
}

// forget unregisters the closed window w. A failed delete marks the window
// start stale so that its leftover state is not buffered again.
func (n *Node) forget(w *window, start time.Time, deleteErr error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.windows[w.key] == w {
		delete(n.windows, w.key)
	}
	if deleteErr != nil {
		n.stale[w.key] = start
	}
}

func (n *Node) pick(entries []models.Envelope) []models.Envelope {
	switch n.cfg.Strategy {
	case StrategyLast:
		return []models.Envelope{entries[len(entries)-1].CopyWithNewCtx()}
	case StrategyAll:
		out := make([]models.Envelope, len(entries))
		for i, e := range entries {
			out[i] = e.CopyWithNewCtx()
			out[i].Type = n.cfg.OutMsgType
		}
		return out
	default:
		return []models.Envelope{entries[0].CopyWithNewCtx()}
	}
}

// Pending reports how many messages are buffered for key.
func (n *Node) Pending(key string) int {
	n.mu.Lock()
	w, ok := n.windows[key]
	n.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Destroy stops every timer. Buffered state stays persisted and is picked
// up by the next instance of this node.
func (n *Node) Destroy() {
	n.mu.Lock()
	n.destroyed = true
	for key, t := range n.resumes {
		t.Stop()
		delete(n.resumes, key)
	}
	windows := make([]*window, 0, len(n.windows))
	for _, w := range n.windows {
		windows = append(windows, w)
	}
	n.windows = make(map[string]*window)
	n.mu.Unlock()

	for _, w := range windows {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.closed = true
		w.mu.Unlock()
	}
}
