package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/marko911/lnpulse/internal/cursor"
	"github.com/marko911/lnpulse/pkg/domain"
)

type recorder struct {
	events chan *domain.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan *domain.Event, 256)}
}

func (r *recorder) Publish(ev *domain.Event) int {
	r.events <- ev
	return 1
}

func (r *recorder) MarkGap(source, reason string) {
	r.Publish(&domain.Event{Source: source, Kind: domain.EventKindGap, Gap: &domain.Gap{Source: source, Reason: reason}})
}

// next returns the next event that is not a connection state change.
func (r *recorder) next(t *testing.T) *domain.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind != domain.EventKindConnection {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func (r *recorder) nextBlock(t *testing.T) *domain.NewBlock {
	t.Helper()
	ev := r.next(t)
	if ev.Kind != domain.EventKindChain || ev.Chain.Type != domain.ChainEventNewBlock {
		t.Fatalf("expected a new block, got %+v", ev)
	}
	return ev.Chain.Block
}

func hashFor(height uint32) string {
	return fmt.Sprintf("%064x", height)
}

// fakeTips serves a chain where every height's hash is hashFor(height).
type fakeTips struct {
	mu     sync.Mutex
	height uint32
}

func (f *fakeTips) set(h uint32) {
	f.mu.Lock()
	f.height = h
	f.mu.Unlock()
}

func (f *fakeTips) Tip(ctx context.Context) (uint32, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, hashFor(f.height), nil
}

func (f *fakeTips) BlockHash(ctx context.Context, height uint32) (string, error) {
	return hashFor(height), nil
}

func (f *fakeTips) Height(ctx context.Context, hash string) (uint32, error) {
	h, err := strconv.ParseUint(hash, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(h), nil
}

type fakeSocket struct {
	msgs   chan [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{msgs: make(chan [][]byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) Receive() ([][]byte, error) {
	select {
	case m, ok := <-s.msgs:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return m, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// dialer hands out sockets in order and refuses once they run out.
func dialer(sockets ...*fakeSocket) Dialer {
	var mu sync.Mutex
	return func(endpoint string, topics []string, timeout time.Duration) (Socket, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(sockets) == 0 {
			return nil, errors.New("connection refused")
		}
		s := sockets[0]
		sockets = sockets[1:]
		return s, nil
	}
}

func msg(topic string, body []byte, seq uint32) [][]byte {
	n := make([]byte, 4)
	binary.LittleEndian.PutUint32(n, seq)
	return [][]byte{[]byte(topic), body, n}
}

func hashBlockMsg(t *testing.T, height, seq uint32) [][]byte {
	t.Helper()
	body, err := hex.DecodeString(hashFor(height))
	if err != nil {
		t.Fatal(err)
	}
	return msg(TopicHashBlock, body, seq)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "tcp://127.0.0.1:28332"
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func startListener(t *testing.T, cfg Config, dial Dialer, tips TipSource, store cursor.Store) (*Listener, *recorder) {
	t.Helper()
	rec := newRecorder()
	l := New(cfg, dial, tips, rec, store)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, rec
}

func TestListener_CatchesUpAfterReconnect(t *testing.T) {
	store := cursor.NewMemory()
	if err := store.SaveHeight(context.Background(), "chain", 100, hashFor(100)); err != nil {
		t.Fatal(err)
	}
	tips := &fakeTips{height: 103}

	l, rec := startListener(t, testConfig(), dialer(newFakeSocket()), tips, store)

	for _, want := range []uint32{101, 102, 103} {
		b := rec.nextBlock(t)
		if b.Height != want || b.Hash != hashFor(want) {
			t.Fatalf("got block %d %s, want %d", b.Height, b.Hash, want)
		}
	}

	height, hash, err := store.LoadHeight(context.Background(), "chain")
	if err != nil {
		t.Fatal(err)
	}
	if height != 103 || hash != hashFor(103) {
		t.Errorf("stored height = %d %s, want 103", height, hash)
	}
	if got := l.State(); got != domain.Connected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestListener_ReconnectKeepsHeightsIncreasing(t *testing.T) {
	first, second := newFakeSocket(), newFakeSocket()
	tips := &fakeTips{height: 9}

	_, rec := startListener(t, testConfig(), dialer(first, second), tips, nil)

	var heights []uint32
	heights = append(heights, rec.nextBlock(t).Height)

	first.msgs <- hashBlockMsg(t, 10, 1)
	first.msgs <- hashBlockMsg(t, 11, 2)
	heights = append(heights, rec.nextBlock(t).Height, rec.nextBlock(t).Height)

	// Block 12 arrives while the socket is down.
	tips.set(12)
	close(first.msgs)
	heights = append(heights, rec.nextBlock(t).Height)

	second.msgs <- hashBlockMsg(t, 11, 7)
	second.msgs <- hashBlockMsg(t, 13, 8)
	heights = append(heights, rec.nextBlock(t).Height)

	want := []uint32{9, 10, 11, 12, 13}
	if fmt.Sprint(heights) != fmt.Sprint(want) {
		t.Fatalf("heights = %v, want %v", heights, want)
	}
}

func TestListener_GapBeyondCatchUpLimit(t *testing.T) {
	store := cursor.NewMemory()
	if err := store.SaveHeight(context.Background(), "chain", 100, hashFor(100)); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.MaxCatchUp = 6

	_, rec := startListener(t, cfg, dialer(newFakeSocket()), &fakeTips{height: 120}, store)

	ev := rec.next(t)
	if ev.Kind != domain.EventKindGap {
		t.Fatalf("expected one gap marker, got %+v", ev)
	}
	if ev.Gap.FromHeight != 101 || ev.Gap.ToHeight != 119 {
		t.Errorf("gap = %d..%d, want 101..119", ev.Gap.FromHeight, ev.Gap.ToHeight)
	}
	if b := rec.nextBlock(t); b.Height != 120 {
		t.Errorf("expected jump to tip 120, got %d", b.Height)
	}
}

func testTx(t *testing.T, script []byte) (*wire.MsgTx, []byte) {
	t.Helper()
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: math.MaxUint32}, script, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	return tx, buf.Bytes()
}

func TestListener_MempoolTransactions(t *testing.T) {
	sock := newFakeSocket()
	cfg := testConfig()
	cfg.Mempool = true

	_, rec := startListener(t, cfg, dialer(sock), &fakeTips{}, nil)

	tx1, raw1 := testTx(t, []byte{0x01, 0x01})
	tx2, raw2 := testTx(t, []byte{0x01, 0x02})
	sock.msgs <- msg(TopicRawTx, raw1, 1)
	sock.msgs <- msg(TopicRawTx, raw2, 3)

	ev := rec.next(t)
	if ev.Chain == nil || ev.Chain.Type != domain.ChainEventMempoolTx || ev.Chain.Tx.TxID != tx1.TxHash().String() {
		t.Fatalf("expected first mempool tx, got %+v", ev)
	}
	if !bytes.Equal(ev.Chain.Tx.Raw, raw1) {
		t.Error("raw transaction not preserved")
	}
	if gap := rec.next(t); gap.Kind != domain.EventKindGap {
		t.Fatalf("expected gap for skipped sequence number, got %+v", gap)
	}
	if ev := rec.next(t); ev.Chain == nil || ev.Chain.Tx.TxID != tx2.TxHash().String() {
		t.Fatalf("expected second mempool tx, got %+v", ev)
	}
}

func TestListener_RawBlockHeightFromCoinbase(t *testing.T) {
	sock := newFakeSocket()
	cfg := testConfig()
	cfg.BlockTopic = TopicRawBlock

	_, rec := startListener(t, cfg, dialer(sock), &fakeTips{}, nil)

	script, err := txscript.NewScriptBuilder().AddInt64(800000).AddInt64(0).Script()
	if err != nil {
		t.Fatal(err)
	}
	coinbase, _ := testTx(t, script)
	blk := wire.NewMsgBlock(&wire.BlockHeader{Version: 4, Timestamp: time.Unix(1700000000, 0)})
	if err := blk.AddTransaction(coinbase); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := blk.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	sock.msgs <- msg(TopicRawBlock, buf.Bytes(), 1)

	b := rec.nextBlock(t)
	if b.Height != 800000 || b.Hash != blk.BlockHash().String() {
		t.Fatalf("got block %d %s", b.Height, b.Hash)
	}
}

func TestListener_CloseDisconnects(t *testing.T) {
	l, rec := startListener(t, testConfig(), dialer(newFakeSocket()), &fakeTips{height: 5}, nil)
	rec.nextBlock(t)

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := l.State(); got != domain.Disconnected {
		t.Errorf("state = %s after Close, want disconnected", got)
	}
	if err := l.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestListener_HashBlockAheadOfNodeTip(t *testing.T) {
	node := &fakeTips{height: 10}
	tips := InfoTips(func(ctx context.Context) (*domain.NodeInfo, error) {
		h, hash, _ := node.Tip(ctx)
		return &domain.NodeInfo{BlockHeight: h, BlockHash: hash}, nil
	})
	cfg := testConfig()
	cfg.ResolveDelay = 20 * time.Millisecond
	sock := newFakeSocket()

	_, rec := startListener(t, cfg, dialer(sock), tips, nil)
	if b := rec.nextBlock(t); b.Height != 10 {
		t.Fatalf("first block = %d, want 10", b.Height)
	}

	// bitcoind announces 11 before the node has processed it.
	sock.msgs <- hashBlockMsg(t, 11, 1)
	time.AfterFunc(60*time.Millisecond, func() { node.set(11) })

	start := time.Now()
	b := rec.nextBlock(t)
	if b.Height != 11 || b.Hash != hashFor(11) {
		t.Fatalf("got block %d %s, want 11", b.Height, b.Hash)
	}
	if waited := time.Since(start); waited >= cfg.ReadTimeout {
		t.Errorf("block 11 took %v, expected it before the read timeout", waited)
	}
}

func TestInfoTips(t *testing.T) {
	tips := InfoTips(func(ctx context.Context) (*domain.NodeInfo, error) {
		return &domain.NodeInfo{BlockHeight: 42, BlockHash: hashFor(42)}, nil
	})
	ctx := context.Background()

	h, hash, err := tips.Tip(ctx)
	if err != nil || h != 42 || hash != hashFor(42) {
		t.Fatalf("Tip = %d %s %v", h, hash, err)
	}
	if got, _ := tips.BlockHash(ctx, 41); got != "" {
		t.Errorf("BlockHash(41) = %q, want unknown", got)
	}
	if _, err := tips.Height(ctx, hashFor(7)); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Height of unknown hash = %v, want unsupported", err)
	}
}
