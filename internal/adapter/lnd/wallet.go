package lnd

import (
	"context"
	"encoding/hex"
	"math"

	"github.com/lightningnetwork/lnd/lnrpc"

	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

func (c *Client) DecodePayRequest(ctx context.Context, payReq string) (*domain.PayReq, error) {
	ln, _, err := c.clients("decode_pay_request")
	if err != nil {
		return nil, err
	}
	resp, err := ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: payReq})
	if err != nil {
		return nil, c.fail(err, "decode_pay_request")
	}
	pr, err := translate.LNDPayReq(resp)
	if err != nil {
		return nil, c.fail(err, "decode_pay_request")
	}
	return pr, nil
}

func (c *Client) WalletBalance(ctx context.Context) (*domain.Balance, error) {
	ln, _, err := c.clients("wallet_balance")
	if err != nil {
		return nil, err
	}
	wallet, err := ln.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return nil, c.fail(err, "wallet_balance")
	}
	channels, err := ln.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return nil, c.fail(err, "wallet_balance")
	}
	return translate.LNDBalance(wallet, channels), nil
}

// ConnectPeer treats an existing connection as success.
func (c *Client) ConnectPeer(ctx context.Context, uri domain.PeerURI) error {
	ln, _, err := c.clients("connect_peer")
	if err != nil {
		return err
	}
	return c.connectPeer(ctx, ln, uri)
}

func (c *Client) connectPeer(ctx context.Context, ln lnrpc.LightningClient, uri domain.PeerURI) error {
	if uri.Host == "" {
		return c.fail(domain.Validation("lnd needs a host to connect to %s", uri.PubKey), "connect_peer")
	}
	_, err := ln.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{Pubkey: uri.PubKey, Host: uri.Host},
	})
	if err != nil && !translate.AlreadyConnected(err) {
		return c.fail(err, "connect_peer")
	}
	return nil
}

// OpenChannel waits for the funding transaction to be published.
func (c *Client) OpenChannel(ctx context.Context, req domain.OpenChannelRequest) (*domain.Channel, error) {
	ln, _, err := c.clients("open_channel")
	if err != nil {
		return nil, err
	}
	peer, err := domain.ParsePeerURI(req.NodeURI)
	if err != nil {
		return nil, c.fail(err, "open_channel")
	}
	if peer.Host != "" {
		if err := c.connectPeer(ctx, ln, peer); err != nil {
			return nil, domain.WithOp(err, c.cfg.Name, "open_channel")
		}
	}
	in, err := translate.LNDOpenChannelRequest(req, peer)
	if err != nil {
		return nil, c.fail(err, "open_channel")
	}
	cp, err := ln.OpenChannelSync(ctx, in)
	if err != nil {
		return nil, c.fail(err, "open_channel")
	}
	point, err := translate.LNDChannelPoint(cp)
	if err != nil {
		return nil, c.fail(err, "open_channel")
	}
	c.logger.Info("channel opened", "channel_point", point, "peer", peer.PubKey, "amount_sat", req.LocalAmountSat)
	return translate.OpenedChannel("", point, req, peer), nil
}

// ListInvoices asks for the first or last Offset+Limit invoices and pages
// them locally, so offsets count invoices rather than add indices.
func (c *Client) ListInvoices(ctx context.Context, q domain.ListQuery) ([]domain.Invoice, error) {
	ln, _, err := c.clients("list_invoices")
	if err != nil {
		return nil, err
	}
	resp, err := ln.ListInvoices(ctx, &lnrpc.ListInvoiceRequest{
		PendingOnly:    q.PendingOnly,
		NumMaxInvoices: fetchCount(q),
		Reversed:       q.Reversed,
	})
	if err != nil {
		return nil, c.fail(err, "list_invoices")
	}
	now := c.now()
	out := make([]domain.Invoice, 0, len(resp.Invoices))
	for _, inv := range resp.Invoices {
		di, err := translate.LNDInvoice(inv, now)
		if err != nil {
			c.logger.Warn("skipping untranslatable invoice", "payment_hash", hex.EncodeToString(inv.GetRHash()), "error", err)
			continue
		}
		out = append(out, *di)
	}
	return domain.Page(out, q), nil
}

func (c *Client) ListPayments(ctx context.Context, q domain.ListQuery) ([]domain.Payment, error) {
	ln, _, err := c.clients("list_payments")
	if err != nil {
		return nil, err
	}
	resp, err := ln.ListPayments(ctx, &lnrpc.ListPaymentsRequest{
		IncludeIncomplete: q.IncludeIncomplete,
		MaxPayments:       fetchCount(q),
		Reversed:          q.Reversed,
	})
	if err != nil {
		return nil, c.fail(err, "list_payments")
	}
	out := make([]domain.Payment, 0, len(resp.Payments))
	for _, p := range resp.Payments {
		dp, err := translate.LNDPayment(p)
		if err != nil {
			c.logger.Warn("skipping untranslatable payment", "payment_hash", p.GetPaymentHash(), "error", err)
			continue
		}
		out = append(out, *dp)
	}
	return domain.Page(out, q), nil
}

// fetchCount is how many entries to request. Zero makes lnd apply its own
// small default, so an unlimited query asks for everything.
func fetchCount(q domain.ListQuery) uint64 {
	if q.Limit == 0 {
		return math.MaxUint64
	}
	return q.Offset + q.Limit
}
