package cln

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

func (c *Client) DecodePayRequest(ctx context.Context, payReq string) (*domain.PayReq, error) {
	body, _ := sjson.Set("{}", "string", payReq)
	r, err := c.post(ctx, "decode", []byte(body))
	if err != nil {
		return nil, c.fail(err, "decode_pay_request")
	}
	pr, err := translate.CLNPayReq(r)
	if err != nil {
		return nil, c.fail(err, "decode_pay_request")
	}
	return pr, nil
}

func (c *Client) WalletBalance(ctx context.Context) (*domain.Balance, error) {
	r, err := c.post(ctx, "listfunds", nil)
	if err != nil {
		return nil, c.fail(err, "wallet_balance")
	}
	b, err := translate.CLNBalance(r)
	if err != nil {
		return nil, c.fail(err, "wallet_balance")
	}
	return b, nil
}

// ConnectPeer lets the node look the address up in gossip when uri has no
// host.
func (c *Client) ConnectPeer(ctx context.Context, uri domain.PeerURI) error {
	if err := c.connect(ctx, uri); err != nil {
		return c.fail(err, "connect_peer")
	}
	return nil
}

func (c *Client) connect(ctx context.Context, uri domain.PeerURI) error {
	body, _ := sjson.Set("{}", "id", uri.String())
	if _, err := c.post(ctx, "connect", []byte(body)); err != nil && !translate.AlreadyConnected(err) {
		return err
	}
	return nil
}

// OpenChannel connects to the peer and funds the channel. fundchannel
// returns once the funding transaction is broadcast.
func (c *Client) OpenChannel(ctx context.Context, req domain.OpenChannelRequest) (*domain.Channel, error) {
	peer, err := domain.ParsePeerURI(req.NodeURI)
	if err != nil {
		return nil, c.fail(err, "open_channel")
	}
	if err := c.connect(ctx, peer); err != nil {
		return nil, c.fail(err, "open_channel")
	}
	body, err := json.Marshal(translate.CLNFundChannelParams(req, peer))
	if err != nil {
		return nil, c.fail(domain.Validation("encode fundchannel: %v", err), "open_channel")
	}
	r, err := c.post(ctx, "fundchannel", body)
	if err != nil {
		return nil, c.fail(err, "open_channel")
	}
	txid := r.Get("txid").String()
	if txid == "" {
		return nil, c.fail(domain.Protocol(nil, "fundchannel: missing txid"), "open_channel")
	}
	point := fmt.Sprintf("%s:%d", txid, r.Get("outnum").Uint())
	c.logger.Info("channel opened", "channel_point", point, "peer", peer.PubKey, "amount_sat", req.LocalAmountSat)
	return translate.OpenedChannel(r.Get("channel_id").String(), point, req, peer), nil
}

// ListInvoices filters and pages locally; listinvoices has no paging of
// its own.
func (c *Client) ListInvoices(ctx context.Context, q domain.ListQuery) ([]domain.Invoice, error) {
	r, err := c.post(ctx, "listinvoices", nil)
	if err != nil {
		return nil, c.fail(err, "list_invoices")
	}
	now := c.now()
	var out []domain.Invoice
	for _, e := range r.Get("invoices").Array() {
		if q.PendingOnly && e.Get("status").String() != "unpaid" {
			continue
		}
		inv, err := translate.CLNInvoice(e, now)
		if err != nil {
			c.logger.Warn("skipping untranslatable invoice", "label", e.Get("label").String(), "error", err)
			continue
		}
		out = append(out, *inv)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AddIndex < out[j].AddIndex })
	return domain.Page(out, q), nil
}

// ListPayments keeps one entry per payment hash, the last attempt listed.
func (c *Client) ListPayments(ctx context.Context, q domain.ListQuery) ([]domain.Payment, error) {
	body := []byte(nil)
	if !q.IncludeIncomplete {
		s, _ := sjson.Set("{}", "status", "complete")
		body = []byte(s)
	}
	r, err := c.post(ctx, "listpays", body)
	if err != nil {
		return nil, c.fail(err, "list_payments")
	}
	byHash := make(map[string]int)
	var out []domain.Payment
	for _, e := range r.Get("pays").Array() {
		p, err := translate.CLNPayment(e)
		if err != nil {
			c.logger.Warn("skipping untranslatable payment", "payment_hash", e.Get("payment_hash").String(), "error", err)
			continue
		}
		if i, ok := byHash[p.PaymentHash]; ok {
			out[i] = *p
			continue
		}
		byHash[p.PaymentHash] = len(out)
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return domain.Page(out, q), nil
}

// pollForwards returns a poll step over settled forwards. listforwards
// only grows, so entries past the previous count are new. The first poll
// records a baseline.
func (c *Client) pollForwards() func(context.Context) ([]*domain.Event, func(), error) {
	seen, seeded := 0, false
	return func(ctx context.Context) ([]*domain.Event, func(), error) {
		body, _ := sjson.Set("{}", "status", "settled")
		r, err := c.post(ctx, "listforwards", []byte(body))
		if err != nil {
			return nil, nil, err
		}
		entries := r.Get("forwards").Array()
		var events []*domain.Event
		if seeded && len(entries) > seen {
			for i, e := range entries[seen:] {
				events = append(events, c.forwardEvent(e, seen+i))
			}
		}
		count := len(entries)
		return events, func() { seen, seeded = count, true }, nil
	}
}

func (c *Client) forwardEvent(e gjson.Result, index int) *domain.Event {
	f, err := translate.CLNForward(e)
	if err != nil {
		entity := fmt.Sprintf("%s:%d", e.Get("in_channel").String(), e.Get("in_htlc_id").Uint())
		c.logger.Warn("untranslatable forward", "index", index, "error", err)
		return adapter.Untranslatable(c.cfg.Name, domain.StreamForwards, entity, adapter.Cursor{}, err)
	}
	return &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindForward, Forward: f}
}
