package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Subscribe opens an invoice, payment, channel or forward event stream. The RPC is
// issued by the stream goroutine, so failures surface on Err.
func (c *Client) Subscribe(ctx context.Context, kind domain.StreamKind, from adapter.Cursor) (adapter.Subscription, error) {
	ln, router, err := c.clients("subscribe")
	if err != nil {
		return nil, err
	}

	switch kind {
	case domain.StreamInvoices:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return c.streamInvoices(s, ln, from)
		}), nil
	case domain.StreamPayments:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return c.streamPayments(s, router)
		}), nil
	case domain.StreamChannels:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return c.streamChannels(s, ln)
		}), nil
	case domain.StreamForwards:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return c.streamForwards(s, router)
		}), nil
	}
	return nil, domain.WithOp(domain.Unsupported("stream %s", kind), c.cfg.Name, "subscribe")
}

// streamInvoices resumes from the cursor: LND replays invoices added after
// AddIndex and settled after SettleIndex before switching to live updates.
func (c *Client) streamInvoices(s *adapter.Stream, ln lnrpc.LightningClient, from adapter.Cursor) error {
	stream, err := ln.SubscribeInvoices(s.Context(), &lnrpc.InvoiceSubscription{
		AddIndex:    from.AddIndex,
		SettleIndex: from.SettleIndex,
	})
	if err != nil {
		return recvError(err)
	}
	for {
		inv, err := stream.Recv()
		if err != nil {
			return recvError(err)
		}
		ev := &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindInvoice}
		if ev.Invoice, err = translate.LNDInvoice(inv, c.now()); err != nil {
			c.logger.Warn("untranslatable invoice", "add_index", inv.GetAddIndex(), "error", err)
			ev = adapter.Untranslatable(c.cfg.Name, domain.StreamInvoices, hex.EncodeToString(inv.GetRHash()),
				adapter.Cursor{AddIndex: inv.GetAddIndex(), SettleIndex: inv.GetSettleIndex()}, err)
		}
		if !s.Send(ev) {
			return nil
		}
	}
}

func (c *Client) streamPayments(s *adapter.Stream, router routerrpc.RouterClient) error {
	stream, err := router.TrackPayments(s.Context(), &routerrpc.TrackPaymentsRequest{})
	if err != nil {
		return recvError(err)
	}
	for {
		p, err := stream.Recv()
		if err != nil {
			return recvError(err)
		}
		ev := &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindPayment}
		if ev.Payment, err = translate.LNDPayment(p); err != nil {
			c.logger.Warn("untranslatable payment", "payment_hash", p.GetPaymentHash(), "error", err)
			ev = adapter.Untranslatable(c.cfg.Name, domain.StreamPayments, p.GetPaymentHash(), adapter.Cursor{}, err)
		}
		if !s.Send(ev) {
			return nil
		}
	}
}

func (c *Client) streamChannels(s *adapter.Stream, ln lnrpc.LightningClient) error {
	stream, err := ln.SubscribeChannelEvents(s.Context(), &lnrpc.ChannelEventSubscription{})
	if err != nil {
		return recvError(err)
	}
	for {
		u, err := stream.Recv()
		if err != nil {
			return recvError(err)
		}
		ev := &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindChannel}
		ch, err := translate.LNDChannelEvent(u)
		switch {
		case err != nil:
			c.logger.Warn("untranslatable channel event", "type", u.GetType(), "error", err)
			ev = adapter.Untranslatable(c.cfg.Name, domain.StreamChannels, channelEventKey(u), adapter.Cursor{}, err)
		case ch == nil:
			continue
		default:
			ev.Channel = ch
		}
		if !s.Send(ev) {
			return nil
		}
	}
}

// channelEventKey names the channel an update is about as far as the raw
// update allows.
func channelEventKey(u *lnrpc.ChannelEventUpdate) string {
	switch u.GetType() {
	case lnrpc.ChannelEventUpdate_OPEN_CHANNEL:
		if point := u.GetOpenChannel().GetChannelPoint(); point != "" {
			return point
		}
	case lnrpc.ChannelEventUpdate_CLOSED_CHANNEL:
		if point := u.GetClosedChannel().GetChannelPoint(); point != "" {
			return point
		}
	}
	return u.GetType().String()
}

type htlcKey struct {
	channel uint64
	htlc    uint64
}

func (k htlcKey) String() string { return fmt.Sprintf("%d:%d", k.channel, k.htlc) }

// streamForwards pairs each forwarded HTLC with its settlement. A settle
// for an HTLC offered before the stream started has no amounts to report
// and becomes a gap.
func (c *Client) streamForwards(s *adapter.Stream, router routerrpc.RouterClient) error {
	stream, err := router.SubscribeHtlcEvents(s.Context(), &routerrpc.SubscribeHtlcEventsRequest{})
	if err != nil {
		return recvError(err)
	}
	offered := make(map[htlcKey]*routerrpc.HtlcEvent)
	for {
		e, err := stream.Recv()
		if err != nil {
			return recvError(err)
		}
		if e.GetEventType() != routerrpc.HtlcEvent_FORWARD {
			continue
		}
		key := htlcKey{channel: e.GetIncomingChannelId(), htlc: e.GetIncomingHtlcId()}

		switch e.Event.(type) {
		case *routerrpc.HtlcEvent_ForwardEvent:
			offered[key] = e
			continue
		case *routerrpc.HtlcEvent_ForwardFailEvent, *routerrpc.HtlcEvent_LinkFailEvent:
			delete(offered, key)
			continue
		case *routerrpc.HtlcEvent_SettleEvent:
		default:
			continue
		}

		prev, ok := offered[key]
		delete(offered, key)
		ev := &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindForward}
		if !ok {
			err = domain.Protocol(nil, "settle without a matching forward")
		} else {
			ev.Forward, err = translate.LNDForward(prev, e)
		}
		if err != nil {
			c.logger.Warn("untranslatable forward", "htlc", key.String(), "error", err)
			ev = adapter.Untranslatable(c.cfg.Name, domain.StreamForwards, key.String(), adapter.Cursor{}, err)
		}
		if !s.Send(ev) {
			return nil
		}
	}
}

func recvError(err error) error {
	if errors.Is(err, io.EOF) {
		return domain.Unavailable(err, "stream closed by node")
	}
	return translate.GRPCError(err)
}
