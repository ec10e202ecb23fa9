// Package chain listens to bitcoind block and mempool notifications and
// publishes them as chain events with strictly increasing block heights.
package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"

	"github.com/marko911/lnpulse/internal/correctness"
	"github.com/marko911/lnpulse/internal/cursor"
	"github.com/marko911/lnpulse/internal/metrics"
	"github.com/marko911/lnpulse/pkg/domain"
)

var (
	ErrAlreadyStarted = errors.New("chain: listener already started")
	ErrClosed         = errors.New("chain: listener closed")
)

// Publisher receives chain events.
type Publisher interface {
	Publish(ev *domain.Event) int
	MarkGap(source, reason string)
}

// Config holds configuration for the chain listener.
type Config struct {
	// Source names the listener on events and in the cursor store.
	Source string

	// Endpoint is the ZMQ publisher, e.g. tcp://127.0.0.1:28332.
	Endpoint string

	// BlockTopic is hashblock or rawblock.
	BlockTopic string

	// Mempool also subscribes to rawtx.
	Mempool bool

	// MaxCatchUp bounds how many missed blocks are synthesised; larger
	// jumps produce one gap marker.
	MaxCatchUp uint32

	// ReadTimeout is how long the socket may stay silent before the tip is
	// polled.
	ReadTimeout time.Duration

	// A tip source backed by a Lightning node only knows its own tip, which
	// can trail a hashblock notification. Height lookups that miss are
	// retried ResolveRetries times, ResolveDelay apart, before falling back
	// to a tip check. Negative ResolveRetries disables retrying.
	ResolveRetries int
	ResolveDelay   time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for the listener.
func DefaultConfig() Config {
	return Config{
		Source:         "chain",
		BlockTopic:     TopicHashBlock,
		MaxCatchUp:     correctness.DefaultSequencerConfig().MaxCatchUp,
		ReadTimeout:    time.Minute,
		ResolveRetries: 10,
		ResolveDelay:   250 * time.Millisecond,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Logger:         slog.Default(),
	}
}

// Listener owns one notification socket with its own lifecycle, separate
// from any backend connection.
type Listener struct {
	cfg    Config
	dial   Dialer
	tips   TipSource
	pub    Publisher
	store  cursor.Store
	seq    *correctness.Sequencer
	logger *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	// Last sequence number per topic, touched only by the run loop.
	seqNums map[string]uint32

	blocks   atomic.Int64
	mempool  atomic.Int64
	missedTx atomic.Int64
}

// New creates a listener. A nil dial uses DialZMQ; a nil store keeps the
// last height in memory only.
func New(cfg Config, dial Dialer, tips TipSource, pub Publisher, store cursor.Store) *Listener {
	d := DefaultConfig()
	if cfg.Source == "" {
		cfg.Source = d.Source
	}
	if cfg.BlockTopic == "" {
		cfg.BlockTopic = d.BlockTopic
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.ResolveRetries == 0 {
		cfg.ResolveRetries = d.ResolveRetries
	}
	if cfg.ResolveDelay <= 0 {
		cfg.ResolveDelay = d.ResolveDelay
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if dial == nil {
		dial = DialZMQ
	}
	if store == nil {
		store = cursor.NewMemory()
	}

	logger := cfg.Logger.With("component", "chain-listener", "source", cfg.Source)
	seq := correctness.NewSequencer(cfg.Source, correctness.SequencerConfig{MaxCatchUp: cfg.MaxCatchUp}, cfg.Logger)
	seq.OnGap(func(ctx context.Context, gap *correctness.GapEvent) error {
		metrics.ChainGaps.Inc()
		return nil
	})
	return &Listener{
		cfg:    cfg,
		dial:   dial,
		tips:   tips,
		pub:    pub,
		store:  store,
		seq:    seq,
		logger: logger,
	}
}

func (l *Listener) Source() string { return l.cfg.Source }

// State returns the socket's connection state.
func (l *Listener) State() domain.ConnectionState {
	return domain.ConnectionState(l.state.Load())
}

// Start resumes from the stored height and launches the socket loop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.cancel != nil {
		return ErrAlreadyStarted
	}

	height, hash, err := l.store.LoadHeight(ctx, l.cfg.Source)
	if err != nil {
		return fmt.Errorf("load chain height: %w", err)
	}
	if height > 0 {
		l.seq.Resume(height, hash)
		metrics.ChainHeight.Set(float64(height))
		l.logger.Info("resuming from stored height", "height", height)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	return nil
}

// Close stops the loop and closes the socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	already := l.closed
	l.closed = true
	l.mu.Unlock()

	if already || cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (l *Listener) topics() []string {
	topics := []string{l.cfg.BlockTopic}
	if l.cfg.Mempool {
		topics = append(topics, TopicRawTx)
	}
	return topics
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.setState(domain.Disconnected, "shutdown")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.InitialBackoff
	bo.MaxInterval = l.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	reason := "start"
	for {
		l.setState(domain.Connecting, reason)

		sock, err := l.dial(l.cfg.Endpoint, l.topics(), l.cfg.ReadTimeout)
		if err != nil {
			reason = fmt.Sprintf("subscribe %s: %v", l.cfg.Endpoint, err)
		} else {
			l.setState(domain.Connected, "")
			err = l.serve(ctx, sock, bo)
			sock.Close()
			if ctx.Err() != nil {
				return
			}
			reason = err.Error()
			l.setState(domain.Degraded, reason)
		}

		wait := bo.NextBackOff()
		l.logger.Warn("notification socket error, reconnecting",
			"error", reason,
			"backoff", wait,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve reads one socket until it fails. Continuity is never assumed: the
// tip is checked as soon as the socket is up and whenever it goes quiet.
func (l *Listener) serve(ctx context.Context, sock Socket, bo *backoff.ExponentialBackOff) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in chain listener", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			sock.Close()
		case <-stop:
		}
	}()

	l.seqNums = make(map[string]uint32)
	if err := l.syncTip(ctx); err != nil {
		l.logger.Warn("tip check failed", "error", err)
	}

	healthy := false
	for {
		frames, err := sock.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				if err := l.syncTip(ctx); err != nil {
					l.logger.Warn("tip check failed", "error", err)
				}
				continue
			}
			return err
		}
		if !healthy {
			healthy = true
			bo.Reset()
		}
		if err := l.handle(ctx, frames); err != nil {
			l.logger.Warn("notification dropped", "error", err)
		}
	}
}

func (l *Listener) handle(ctx context.Context, frames [][]byte) error {
	if len(frames) < 2 {
		return domain.Protocol(nil, "notification with %d frames", len(frames))
	}
	topic, body := string(frames[0]), frames[1]
	missed := false
	if len(frames) >= 3 && len(frames[2]) == seqNumLen {
		missed = l.checkSequence(topic, binary.LittleEndian.Uint32(frames[2]))
	}

	switch topic {
	case TopicHashBlock:
		if len(body) != 32 {
			return domain.Protocol(nil, "hashblock body of %d bytes", len(body))
		}
		hash := hex.EncodeToString(body)
		height, err := l.resolveHeight(ctx, hash)
		if err != nil {
			l.logger.Debug("block height unresolved, checking tip", "hash", hash, "error", err)
			return l.syncTip(ctx)
		}
		return l.block(ctx, height, hash)

	case TopicRawBlock:
		var blk wire.MsgBlock
		if err := blk.Deserialize(bytes.NewReader(body)); err != nil {
			return domain.Protocol(err, "decode rawblock")
		}
		hash := blk.BlockHash().String()
		height, err := coinbaseHeight(&blk)
		if err != nil {
			if height, err = l.resolveHeight(ctx, hash); err != nil {
				return l.syncTip(ctx)
			}
		}
		return l.block(ctx, height, hash)

	case TopicRawTx:
		if missed {
			l.missedTx.Add(1)
			l.pub.MarkGap(l.cfg.Source, "mempool notifications missed")
		}
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(body)); err != nil {
			return domain.Protocol(err, "decode rawtx")
		}
		raw := make([]byte, len(body))
		copy(raw, body)
		l.mempool.Add(1)
		l.pub.Publish(&domain.Event{
			Source: l.cfg.Source,
			Kind:   domain.EventKindChain,
			Chain:  domain.MempoolTxEvent(tx.TxHash().String(), raw),
		})
		return nil

	default:
		l.logger.Debug("ignoring topic", "topic", topic)
		return nil
	}
}

// checkSequence reports whether messages on topic were skipped.
func (l *Listener) checkSequence(topic string, n uint32) bool {
	last, ok := l.seqNums[topic]
	l.seqNums[topic] = n
	if !ok || n == last+1 {
		return false
	}
	l.logger.Warn("notification sequence gap", "topic", topic, "last", last, "received", n)
	return true
}

// resolveHeight looks up the height of hash. Unsupported answers mean the
// source has not reached the block yet and are retried.
func (l *Listener) resolveHeight(ctx context.Context, hash string) (uint32, error) {
	if l.tips == nil {
		return 0, domain.Unsupported("no tip source")
	}
	for attempt := 0; ; attempt++ {
		height, err := l.tips.Height(ctx, hash)
		if err == nil {
			return height, nil
		}
		if domain.KindOf(err) != domain.KindUnsupported || attempt >= l.cfg.ResolveRetries {
			return 0, err
		}
		t := time.NewTimer(l.cfg.ResolveDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}
}

// syncTip treats the current tip as a block notification, which fills any
// heights missed while the socket was down.
func (l *Listener) syncTip(ctx context.Context) error {
	if l.tips == nil {
		return nil
	}
	height, hash, err := l.tips.Tip(ctx)
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	if height == 0 {
		return nil
	}
	return l.block(ctx, height, hash)
}

func (l *Listener) block(ctx context.Context, height uint32, hash string) error {
	plan := l.seq.Observe(ctx, height, hash)

	switch plan.Action {
	case correctness.ActionSkip:
		return nil

	case correctness.ActionCatchUp:
		for h := plan.From; h <= plan.To; h++ {
			bh := ""
			if l.tips != nil {
				var err error
				if bh, err = l.tips.BlockHash(ctx, h); err != nil {
					l.logger.Warn("catch-up hash unavailable", "height", h, "error", err)
				}
			}
			l.seq.Record(h, bh)
			l.publishBlock(h, bh)
			metrics.ChainCatchUpBlocks.Inc()
		}

	case correctness.ActionGap:
		l.pub.Publish(&domain.Event{
			Source: l.cfg.Source,
			Kind:   domain.EventKindGap,
			Gap: &domain.Gap{
				Source:     l.cfg.Source,
				Reason:     "blocks missed beyond catch-up limit",
				FromHeight: plan.From,
				ToHeight:   plan.To,
			},
		})
	}

	l.publishBlock(height, hash)
	if err := l.store.SaveHeight(ctx, l.cfg.Source, height, hash); err != nil && ctx.Err() == nil {
		l.logger.Warn("saving chain height failed", "height", height, "error", err)
	}
	return nil
}

func (l *Listener) publishBlock(height uint32, hash string) {
	l.blocks.Add(1)
	metrics.ChainHeight.Set(float64(height))
	l.pub.Publish(&domain.Event{
		Source: l.cfg.Source,
		Kind:   domain.EventKindChain,
		Chain:  domain.NewBlockEvent(height, hash),
	})
}

func (l *Listener) setState(to domain.ConnectionState, reason string) {
	from := domain.ConnectionState(l.state.Swap(int32(to)))
	if from == to {
		return
	}
	l.logger.Info("listener state changed", "from", from.String(), "to", to.String(), "reason", reason)
	l.pub.Publish(&domain.Event{
		Source: l.cfg.Source,
		Kind:   domain.EventKindConnection,
		Connection: &domain.ConnectionChange{
			Backend: l.cfg.Source,
			From:    from,
			To:      to,
			Reason:  reason,
		},
	})
}

// Stats returns current listener statistics.
func (l *Listener) Stats() map[string]interface{} {
	stats := l.seq.Stats()
	stats["state"] = l.State().String()
	stats["blocks_forwarded"] = l.blocks.Load()
	stats["mempool_txs"] = l.mempool.Load()
	stats["mempool_gaps"] = l.missedTx.Load()
	return stats
}

// coinbaseHeight reads the BIP34 height from a block's coinbase.
func coinbaseHeight(blk *wire.MsgBlock) (uint32, error) {
	if len(blk.Transactions) == 0 {
		return 0, errors.New("block has no transactions")
	}
	height, err := blockchain.ExtractCoinbaseHeight(btcutil.NewTx(blk.Transactions[0]))
	if err != nil {
		return 0, err
	}
	return uint32(height), nil
}
