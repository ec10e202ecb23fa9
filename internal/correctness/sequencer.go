package correctness

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// GapEvent describes heights that were skipped without being forwarded.
type GapEvent struct {
	Source string

	ExpectedBlock uint32

	ReceivedBlock uint32

	GapSize uint32

	DetectedAt time.Time
}

type GapCallback func(ctx context.Context, event *GapEvent) error

// Action tells the chain listener what to do with an observed block.
type Action int

const (
	// ActionSkip drops a block at or below the last forwarded height.
	ActionSkip Action = iota
	// ActionForward forwards the block.
	ActionForward
	// ActionCatchUp forwards heights From..To first, then the block.
	ActionCatchUp
	// ActionGap emits one gap marker for From..To, then forwards the block.
	ActionGap
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionForward:
		return "forward"
	case ActionCatchUp:
		return "catch_up"
	case ActionGap:
		return "gap"
	default:
		return "unknown"
	}
}

// Plan is the sequencer's decision for one observed block.
type Plan struct {
	Action Action
	From   uint32
	To     uint32
	// Reorg is set when a skipped block replaces a different hash at a height
	// that was already forwarded.
	Reorg bool
}

// ChainState is a snapshot of the sequencer.
type ChainState struct {
	Source            string
	LastSeenBlock     uint32
	LastSeenHash      string
	LastSeenTimestamp time.Time
	GapsDetected      uint64
	CatchUps          uint64
	Reorgs            uint64
	EventsProcessed   uint64
}

type SequencerConfig struct {
	// MaxCatchUp bounds how many missed heights are synthesised after a
	// reconnect. Larger jumps produce a single gap marker.
	MaxCatchUp uint32

	// TrackedBlocks is how many recent height/hash pairs are kept to notice
	// reorgs.
	TrackedBlocks int
}

func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		MaxCatchUp:    6,
		TrackedBlocks: 100,
	}
}

// Sequencer enforces that forwarded block heights strictly increase. It
// decides, for every observed block, whether to skip it, forward it, or
// first fill the heights between the last forwarded block and it.
type Sequencer struct {
	cfg    SequencerConfig
	logger *slog.Logger

	mu          sync.RWMutex
	state       ChainState
	initialized bool
	hashes      map[uint32]string
	callbacks   []GapCallback
}

func NewSequencer(source string, cfg SequencerConfig, logger *slog.Logger) *Sequencer {
	if cfg.TrackedBlocks <= 0 {
		cfg.TrackedBlocks = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		cfg:    cfg,
		logger: logger.With("component", "block-sequencer", "source", source),
		state:  ChainState{Source: source},
		hashes: make(map[uint32]string),
	}
}

// OnGap registers a callback invoked for every gap the sequencer plans.
func (s *Sequencer) OnGap(cb GapCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Resume seeds the last forwarded height, for example from a cursor store.
func (s *Sequencer) Resume(height uint32, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.state.LastSeenBlock = height
	s.state.LastSeenHash = hash
	if hash != "" {
		s.hashes[height] = hash
	}
}

// Last returns the last forwarded height and whether any block was seen.
func (s *Sequencer) Last() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSeenBlock, s.initialized
}

// Observe plans how to handle a block at height with the given hash. The
// plan is committed immediately: the caller must forward, catch up or mark
// every height it covers.
func (s *Sequencer) Observe(ctx context.Context, height uint32, hash string) Plan {
	s.mu.Lock()

	s.state.EventsProcessed++

	if !s.initialized {
		s.logger.Info("initializing chain state", "first_block", height)
		s.initialized = true
		s.commitLocked(height, hash)
		s.mu.Unlock()
		return Plan{Action: ActionForward}
	}

	last := s.state.LastSeenBlock
	if height <= last {
		plan := Plan{Action: ActionSkip}
		if prev, ok := s.hashes[height]; ok && hash != "" && prev != hash {
			plan.Reorg = true
			s.state.Reorgs++
			s.hashes[height] = hash
			s.logger.Warn("block replaced at forwarded height",
				"height", height,
				"old_hash", truncateHash(prev),
				"new_hash", truncateHash(hash),
				"last_forwarded", last,
			)
		} else {
			s.logger.Debug("received duplicate/old block", "received", height, "last_seen", last)
		}
		s.mu.Unlock()
		return plan
	}

	expected := last + 1
	if height == expected {
		s.commitLocked(height, hash)
		s.mu.Unlock()
		return Plan{Action: ActionForward}
	}

	missing := height - expected
	plan := Plan{From: expected, To: height - 1}
	var gap *GapEvent
	if missing <= s.cfg.MaxCatchUp {
		plan.Action = ActionCatchUp
		s.state.CatchUps++
		s.logger.Info("catching up missed blocks", "from", plan.From, "to", plan.To)
	} else {
		plan.Action = ActionGap
		s.state.GapsDetected++
		gap = &GapEvent{
			Source:        s.state.Source,
			ExpectedBlock: expected,
			ReceivedBlock: height,
			GapSize:       missing,
			DetectedAt:    time.Now(),
		}
		s.logger.Error("GAP DETECTED",
			"expected", expected,
			"received", height,
			"gap_size", missing,
			"max_catch_up", s.cfg.MaxCatchUp,
		)
	}
	s.commitLocked(height, hash)
	callbacks := s.callbacks
	s.mu.Unlock()

	if gap != nil {
		for _, cb := range callbacks {
			if err := cb(ctx, gap); err != nil {
				s.logger.Error("gap callback failed", "error", err)
			}
		}
	}
	return plan
}

// Record stores the hash of a height forwarded during catch-up.
func (s *Sequencer) Record(height uint32, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hash != "" {
		s.hashes[height] = hash
	}
}

func (s *Sequencer) commitLocked(height uint32, hash string) {
	s.state.LastSeenBlock = height
	s.state.LastSeenHash = hash
	s.state.LastSeenTimestamp = time.Now()
	if hash != "" {
		s.hashes[height] = hash
	}
	s.pruneLocked()
}

func (s *Sequencer) pruneLocked() {
	if len(s.hashes) <= s.cfg.TrackedBlocks {
		return
	}
	floor := int64(s.state.LastSeenBlock) - int64(s.cfg.TrackedBlocks)
	for h := range s.hashes {
		if int64(h) <= floor {
			delete(s.hashes, h)
		}
	}
}

// State returns a snapshot of the sequencer.
func (s *Sequencer) State() ChainState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Sequencer) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"last_seen_block":  s.state.LastSeenBlock,
		"last_seen_hash":   truncateHash(s.state.LastSeenHash),
		"gaps_detected":    s.state.GapsDetected,
		"catch_ups":        s.state.CatchUps,
		"reorgs":           s.state.Reorgs,
		"events_processed": s.state.EventsProcessed,
		"last_seen_at":     s.state.LastSeenTimestamp,
	}
}

func truncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
