package replay

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

// SetOnchain sets the confirmed wallet balance that funds channel opens.
func (n *Node) SetOnchain(sat domain.Sat) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onchain = sat
}

// DecodePayRequest decodes the node's own requests from its invoice store
// and anything else as BOLT11.
func (n *Node) DecodePayRequest(ctx context.Context, payReq string) (*domain.PayReq, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter("decode_pay_request", true); err != nil {
		return nil, err
	}
	if hash, ok := strings.CutPrefix(payReq, "lnsim"); ok {
		inv, found := n.invoices[hash]
		if !found {
			return nil, domain.WithOp(domain.Validation("unknown payment request"), n.cfg.Name, "decode_pay_request")
		}
		return &domain.PayReq{
			PaymentHash: inv.PaymentHash,
			Destination: n.pubKey(),
			AmountSat:   inv.AmountSat,
			Description: inv.Memo,
			CreatedAt:   inv.CreatedAt,
			Expiry:      inv.ExpiresAt.Sub(inv.CreatedAt),
		}, nil
	}
	pr, err := translate.DecodeBolt11(payReq)
	if err != nil {
		return nil, domain.WithOp(err, n.cfg.Name, "decode_pay_request")
	}
	return pr, nil
}

func (n *Node) WalletBalance(ctx context.Context) (*domain.Balance, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter("wallet_balance", true); err != nil {
		return nil, err
	}
	b := &domain.Balance{
		OnchainConfirmedSat: n.onchain,
		OnchainTotalSat:     n.onchain,
	}
	for _, ch := range n.channels {
		switch ch.State {
		case domain.ChannelStateActive, domain.ChannelStateInactive:
			b.ChannelLocalSat += ch.LocalBalanceSat
			b.ChannelRemoteSat += ch.RemoteBalanceSat
		case domain.ChannelStatePending, domain.ChannelStateClosing:
			b.ChannelPendingLocalSat += ch.LocalBalanceSat
			b.ChannelPendingRemoteSat += ch.RemoteBalanceSat
		}
	}
	return b, nil
}

// ConnectPeer remembers the peer. A URI without a host only works for a
// peer seen before.
func (n *Node) ConnectPeer(ctx context.Context, uri domain.PeerURI) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter("connect_peer", true); err != nil {
		return err
	}
	return n.connectPeerLocked(uri)
}

func (n *Node) connectPeerLocked(uri domain.PeerURI) error {
	if uri.Host == "" && !n.peers[uri.PubKey] {
		return domain.Validation("no address known for peer %s", uri.PubKey)
	}
	n.peers[uri.PubKey] = true
	return nil
}

// OpenChannel debits the wallet and adds a Pending channel. The channel
// stays pending until a fixture or PutChannel moves it on.
func (n *Node) OpenChannel(ctx context.Context, req domain.OpenChannelRequest) (*domain.Channel, error) {
	peer, err := domain.ParsePeerURI(req.NodeURI)
	if err != nil {
		return nil, domain.WithOp(err, n.cfg.Name, "open_channel")
	}
	n.mu.Lock()
	if err := n.enter("open_channel", true); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	if err := n.connectPeerLocked(peer); err != nil {
		n.mu.Unlock()
		return nil, domain.WithOp(err, n.cfg.Name, "open_channel")
	}
	if req.LocalAmountSat > n.onchain {
		n.mu.Unlock()
		return nil, domain.WithOp(domain.Validation("insufficient funds: %d sat available", n.onchain), n.cfg.Name, "open_channel")
	}
	n.onchain -= req.LocalAmountSat

	ch := translate.OpenedChannel("", randomHex(32)+":0", req, peer)
	stored := *ch
	n.channels[stored.Key()] = &stored
	subs := n.subscribersLocked(domain.StreamChannels)
	n.mu.Unlock()

	n.emit(subs, n.channelEvent(*ch))
	return ch, nil
}

// ListInvoices returns invoices in add order before paging.
func (n *Node) ListInvoices(ctx context.Context, q domain.ListQuery) ([]domain.Invoice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter("list_invoices", true); err != nil {
		return nil, err
	}
	out := make([]domain.Invoice, 0, len(n.invoices))
	for _, inv := range n.invoices {
		if q.PendingOnly && inv.State != domain.InvoiceStateOpen {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddIndex < out[j].AddIndex })
	return domain.Page(out, q), nil
}

// ListPayments keeps only succeeded payments unless q.IncludeIncomplete.
func (n *Node) ListPayments(ctx context.Context, q domain.ListQuery) ([]domain.Payment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter("list_payments", true); err != nil {
		return nil, err
	}
	out := make([]domain.Payment, 0, len(n.payments))
	for _, p := range n.payments {
		if !q.IncludeIncomplete && p.State != domain.PaymentStateSucceeded {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PaymentHash < out[j].PaymentHash
	})
	return domain.Page(out, q), nil
}

// Forward reports a settled forward to forwards subscribers.
func (n *Node) Forward(f domain.Forward) {
	if f.ResolvedAt.IsZero() {
		f.ResolvedAt = n.now().UTC()
	}
	n.mu.Lock()
	subs := n.subscribersLocked(domain.StreamForwards)
	n.mu.Unlock()

	n.emit(subs, &domain.Event{Source: n.cfg.Name, Kind: domain.EventKindForward, Forward: &f})
}

func (n *Node) pubKey() string {
	return "02" + hex.EncodeToString([]byte(n.cfg.Name))
}
