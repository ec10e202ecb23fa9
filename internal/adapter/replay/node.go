// Package replay is a simulated Lightning node. It keeps invoices, payments
// and channels in memory, can replay a JSON-lines fixture as live stream
// events and exposes knobs to inject failures.
package replay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	decodepay "github.com/fiatjaf/ln-decodepay"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

const (
	subscriberBuffer = 256

	// defaultOnchainSat funds channel opens on a fresh node.
	defaultOnchainSat domain.Sat = 10_000_000
)

type subscriber struct {
	kind domain.StreamKind
	ch   chan *domain.Event
	kill chan error
	done chan struct{}
}

// Node implements adapter.Backend without any network I/O.
type Node struct {
	cfg    adapter.Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	connected   bool
	down        bool
	failNext    map[string]error
	calls       map[string]int
	payFailure  string
	height      uint32
	blockHash   string
	addIndex    uint64
	settleIndex uint64
	invoices    map[string]*domain.Invoice
	payments    map[string]*domain.Payment
	channels    map[string]*domain.Channel
	peers       map[string]bool
	onchain     domain.Sat
	subs        map[*subscriber]struct{}
	stopFixture context.CancelFunc
}

func New(cfg adapter.Config, logger *slog.Logger) *Node {
	if cfg.Name == "" {
		cfg.Name = adapter.VariantReplay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:      cfg,
		logger:   logger.With("backend", cfg.Name, "variant", adapter.VariantReplay),
		now:      time.Now,
		failNext: make(map[string]error),
		calls:    make(map[string]int),
		invoices: make(map[string]*domain.Invoice),
		payments: make(map[string]*domain.Payment),
		channels: make(map[string]*domain.Channel),
		peers:    make(map[string]bool),
		onchain:  defaultOnchainSat,
		subs:     make(map[*subscriber]struct{}),
	}
}

func (n *Node) Name() string    { return n.cfg.Name }
func (n *Node) Variant() string { return adapter.VariantReplay }

// enter records a call to op and returns the error it should fail with.
// Callers hold n.mu.
func (n *Node) enter(op string, needConnected bool) error {
	n.calls[op]++
	if err, ok := n.failNext[op]; ok {
		delete(n.failNext, op)
		return domain.WithOp(err, n.cfg.Name, op)
	}
	if n.down || (needConnected && !n.connected) {
		return domain.WithOp(domain.Unavailable(nil, "node unreachable"), n.cfg.Name, op)
	}
	return nil
}

func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if err := n.enter("connect", false); err != nil {
		n.mu.Unlock()
		return err
	}
	n.connected = true
	startFixture := n.cfg.FixturePath != "" && n.stopFixture == nil
	n.mu.Unlock()

	if startFixture {
		entries, err := LoadFixture(n.cfg.FixturePath)
		if err != nil {
			return domain.WithOp(domain.Validation("%v", err), n.cfg.Name, "connect")
		}
		fctx, cancel := context.WithCancel(context.Background())
		n.mu.Lock()
		n.stopFixture = cancel
		n.mu.Unlock()
		go n.play(fctx, entries)
	}
	return nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	n.connected = false
	stop := n.stopFixture
	n.stopFixture = nil
	n.killLocked(nil)
	n.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// SetDown simulates losing the node. Live streams end with an unavailable
// error and every call fails until SetDown(false) and a new Connect.
func (n *Node) SetDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
	if down {
		n.connected = false
		n.killLocked(domain.Unavailable(nil, "connection lost"))
	}
}

// FailNext makes the next call of op fail with err.
func (n *Node) FailNext(op string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNext[op] = err
}

// Calls returns how many times op reached the node.
func (n *Node) Calls(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

// FailPayments makes outgoing payments fail with reason. An empty reason
// lets them succeed again.
func (n *Node) FailPayments(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payFailure = reason
}

// SetTip sets the chain tip reported by GetInfo.
func (n *Node) SetTip(height uint32, hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.height = height
	n.blockHash = hash
}

func (n *Node) Ping(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enter("ping", true)
}

func (n *Node) GetInfo(ctx context.Context) (*domain.NodeInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter("get_info", true); err != nil {
		return nil, err
	}
	return &domain.NodeInfo{
		PubKey:      n.pubKey(),
		Alias:       n.cfg.Name,
		Synced:      true,
		BlockHeight: n.height,
		BlockHash:   n.blockHash,
		Version:     "replay",
		Network:     "regtest",
		Backend:     adapter.VariantReplay,
	}, nil
}

func (n *Node) CreateInvoice(ctx context.Context, req domain.InvoiceRequest) (*domain.Invoice, error) {
	if req.AmountSat < 0 {
		return nil, domain.WithOp(domain.Validation("amount must not be negative"), n.cfg.Name, "create_invoice")
	}
	n.mu.Lock()
	if err := n.enter("create_invoice", true); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	expiry := req.Expiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	hash := randomHex(32)
	now := n.now().UTC().Truncate(time.Second)
	n.addIndex++
	inv := &domain.Invoice{
		PaymentHash:    hash,
		PaymentRequest: "lnsim" + hash,
		AmountSat:      req.AmountSat,
		Memo:           req.Memo,
		State:          domain.InvoiceStateOpen,
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiry),
		AddIndex:       n.addIndex,
	}
	n.invoices[hash] = inv
	out := *inv
	subs := n.subscribersLocked(domain.StreamInvoices)
	n.mu.Unlock()

	n.emit(subs, n.invoiceEvent(out))
	return &out, nil
}

// SendPayment settles the node's own invoices directly; anything else must
// be a decodable BOLT11 invoice.
func (n *Node) SendPayment(ctx context.Context, req domain.PaymentRequest) (*domain.Payment, error) {
	n.mu.Lock()
	if err := n.enter("send_payment", true); err != nil {
		n.mu.Unlock()
		return nil, err
	}

	var own *domain.Invoice
	for _, inv := range n.invoices {
		if inv.PaymentRequest == req.PaymentRequest {
			own = inv
			break
		}
	}

	p := &domain.Payment{State: domain.PaymentStateInFlight, CreatedAt: n.now().UTC()}
	if own != nil {
		p.PaymentHash = own.PaymentHash
		p.AmountSat = own.AmountSat
	} else {
		bolt11, err := decodepay.Decodepay(req.PaymentRequest)
		if err != nil {
			n.mu.Unlock()
			return nil, domain.WithOp(domain.Validation("invalid bolt11: %v", err), n.cfg.Name, "send_payment")
		}
		p.PaymentHash = bolt11.PaymentHash
		p.AmountSat = translate.MsatToSat(domain.Msat(bolt11.MSatoshi))
	}
	if p.AmountSat == 0 {
		p.AmountSat = req.AmountSat
	}
	if own != nil && own.State != domain.InvoiceStateOpen {
		n.mu.Unlock()
		return nil, domain.WithOp(domain.Validation("invoice already paid or closed"), n.cfg.Name, "send_payment")
	}

	inflight := *p
	final := *p
	if n.payFailure != "" {
		final.State = domain.PaymentStateFailed
		final.FailureReason = n.payFailure
	} else {
		final.State = domain.PaymentStateSucceeded
		final.Route = "simulated"
	}
	n.payments[final.PaymentHash] = &final

	var settled *domain.Invoice
	if own != nil && final.State == domain.PaymentStateSucceeded {
		n.settleLocked(own)
		s := *own
		settled = &s
	}
	paySubs := n.subscribersLocked(domain.StreamPayments)
	invSubs := n.subscribersLocked(domain.StreamInvoices)
	n.mu.Unlock()

	n.emit(paySubs, n.paymentEvent(inflight))
	n.emit(paySubs, n.paymentEvent(final))
	if settled != nil {
		n.emit(invSubs, n.invoiceEvent(*settled))
	}
	out := final
	return &out, nil
}

func (n *Node) settleLocked(inv *domain.Invoice) {
	n.settleIndex++
	inv.State = domain.InvoiceStateSettled
	inv.SettleIndex = n.settleIndex
	inv.AmountPaidSat = inv.AmountSat
	inv.SettledAt = n.now().UTC().Truncate(time.Second)
}

// SettleInvoice marks an open invoice paid, as if a payer had settled it.
func (n *Node) SettleInvoice(hash string) error {
	n.mu.Lock()
	inv, ok := n.invoices[hash]
	if !ok || inv.State != domain.InvoiceStateOpen {
		n.mu.Unlock()
		return domain.Validation("no open invoice %s", hash)
	}
	n.settleLocked(inv)
	out := *inv
	subs := n.subscribersLocked(domain.StreamInvoices)
	n.mu.Unlock()

	n.emit(subs, n.invoiceEvent(out))
	return nil
}

func (n *Node) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter("list_channels", true); err != nil {
		return nil, err
	}
	out := make([]domain.Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		if ch.State != domain.ChannelStateClosed {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (n *Node) CloseChannel(ctx context.Context, req domain.CloseRequest) (string, error) {
	n.mu.Lock()
	if err := n.enter("close_channel", true); err != nil {
		n.mu.Unlock()
		return "", err
	}
	var ch *domain.Channel
	for _, c := range n.channels {
		if c.ID == req.ChannelID || c.ChannelPoint == req.ChannelID {
			ch = c
			break
		}
	}
	if ch == nil {
		n.mu.Unlock()
		return "", domain.WithOp(domain.Validation("unknown channel %s", req.ChannelID), n.cfg.Name, "close_channel")
	}
	switch ch.State {
	case domain.ChannelStatePending:
		n.mu.Unlock()
		return "", domain.WithOp(domain.Validation("channel is not open yet"), n.cfg.Name, "close_channel")
	case domain.ChannelStateClosing, domain.ChannelStateClosed:
		n.mu.Unlock()
		return "", domain.WithOp(domain.Validation("channel is in state %s", ch.State), n.cfg.Name, "close_channel")
	}
	ch.State = domain.ChannelStateClosing
	out := *ch
	subs := n.subscribersLocked(domain.StreamChannels)
	n.mu.Unlock()

	n.emit(subs, n.channelEvent(out))
	return randomHex(32), nil
}

// PutInvoice inserts or replaces an invoice and notifies subscribers.
// Missing indices are assigned.
func (n *Node) PutInvoice(inv domain.Invoice) {
	n.mu.Lock()
	if inv.AddIndex == 0 {
		if prev, ok := n.invoices[inv.PaymentHash]; ok {
			inv.AddIndex = prev.AddIndex
		} else {
			n.addIndex++
			inv.AddIndex = n.addIndex
		}
	}
	if inv.AddIndex > n.addIndex {
		n.addIndex = inv.AddIndex
	}
	if inv.State == domain.InvoiceStateSettled && inv.SettleIndex == 0 {
		n.settleIndex++
		inv.SettleIndex = n.settleIndex
	}
	if inv.SettleIndex > n.settleIndex {
		n.settleIndex = inv.SettleIndex
	}
	stored := inv
	n.invoices[inv.PaymentHash] = &stored
	subs := n.subscribersLocked(domain.StreamInvoices)
	n.mu.Unlock()

	n.emit(subs, n.invoiceEvent(inv))
}

func (n *Node) PutPayment(p domain.Payment) {
	n.mu.Lock()
	stored := p
	n.payments[p.PaymentHash] = &stored
	subs := n.subscribersLocked(domain.StreamPayments)
	n.mu.Unlock()

	n.emit(subs, n.paymentEvent(p))
}

func (n *Node) PutChannel(ch domain.Channel) {
	n.mu.Lock()
	stored := ch
	n.channels[ch.Key()] = &stored
	subs := n.subscribersLocked(domain.StreamChannels)
	n.mu.Unlock()

	n.emit(subs, n.channelEvent(ch))
}

func (n *Node) invoiceEvent(inv domain.Invoice) *domain.Event {
	return &domain.Event{Source: n.cfg.Name, Kind: domain.EventKindInvoice, Invoice: &inv}
}

func (n *Node) paymentEvent(p domain.Payment) *domain.Event {
	return &domain.Event{Source: n.cfg.Name, Kind: domain.EventKindPayment, Payment: &p}
}

func (n *Node) channelEvent(ch domain.Channel) *domain.Event {
	return &domain.Event{Source: n.cfg.Name, Kind: domain.EventKindChannel, Channel: &ch}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ adapter.Backend = (*Node)(nil)
