package cln

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/sjson"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Subscribe starts an invoice long-poll or a channel, payment or forward
// poller. CLN has no push API for the others, so those streams diff
// successive listpeerchannels, listpays and listforwards results.
func (c *Client) Subscribe(ctx context.Context, kind domain.StreamKind, from adapter.Cursor) (adapter.Subscription, error) {
	c.mu.RLock()
	connected := c.http != nil
	c.mu.RUnlock()
	if !connected {
		return nil, c.fail(domain.Unavailable(nil, "not connected"), "subscribe")
	}

	switch kind {
	case domain.StreamInvoices:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return mapError(c.streamInvoices(s, from))
		}), nil
	case domain.StreamChannels:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return mapError(c.poll(s, c.pollChannels))
		}), nil
	case domain.StreamPayments:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return mapError(c.poll(s, c.pollPayments))
		}), nil
	case domain.StreamForwards:
		return adapter.Run(ctx, c.cfg.Name, kind, func(s *adapter.Stream) error {
			return mapError(c.poll(s, c.pollForwards()))
		}), nil
	}
	return nil, c.fail(domain.Unsupported("stream %s", kind), "subscribe")
}

// streamInvoices waits for paid invoices in pay_index order. Without a
// cursor it starts after the highest pay_index the node already has.
func (c *Client) streamInvoices(s *adapter.Stream, from adapter.Cursor) error {
	ctx := s.Context()

	last := from.SettleIndex
	if last == 0 {
		idx, err := c.lastPayIndex(ctx)
		if err != nil {
			return err
		}
		last = idx
	}

	for {
		body, _ := sjson.Set("{}", "lastpay_index", last)
		body, _ = sjson.Set(body, "timeout", int64(c.InvoiceWaitTimeout/time.Second))

		callCtx, cancel := context.WithTimeout(ctx, c.InvoiceWaitTimeout+10*time.Second)
		r, err := c.post(callCtx, "waitanyinvoice", []byte(body))
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(mapError(err), domain.ErrTimeout) {
				continue
			}
			return err
		}

		ev := &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindInvoice}
		if ev.Invoice, err = translate.CLNInvoice(r, c.now()); err != nil {
			// Step past it, or the next wait returns the same invoice.
			idx := r.Get("pay_index").Uint()
			c.logger.Warn("untranslatable invoice", "pay_index", idx, "error", err)
			ev = adapter.Untranslatable(c.cfg.Name, domain.StreamInvoices, r.Get("payment_hash").String(),
				adapter.Cursor{SettleIndex: idx}, err)
			if idx > last {
				last = idx
			}
		} else if ev.Invoice.SettleIndex > last {
			last = ev.Invoice.SettleIndex
		}
		if !s.Send(ev) {
			return nil
		}
	}
}

func (c *Client) lastPayIndex(ctx context.Context) (uint64, error) {
	r, err := c.post(ctx, "listinvoices", nil)
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, inv := range r.Get("invoices").Array() {
		if idx := inv.Get("pay_index").Uint(); idx > last {
			last = idx
		}
	}
	return last, nil
}

func (c *Client) poll(s *adapter.Stream, once func(context.Context) ([]*domain.Event, func(), error)) error {
	ctx := s.Context()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		events, commit, err := once(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, ev := range events {
			if !s.Send(ev) {
				return nil
			}
		}
		commit()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pollChannels returns the channels that appeared or changed since the last
// committed poll. Channels that vanish are reported Closed. The first poll
// only records a baseline. A channel that fails translation keeps its last
// known state and is reported once with a gap.
func (c *Client) pollChannels(ctx context.Context) ([]*domain.Event, func(), error) {
	r, err := c.post(ctx, "listpeerchannels", nil)
	if err != nil {
		return nil, nil, err
	}
	current := make(map[string]domain.Channel)
	bad := make(map[string]error)
	for _, e := range r.Get("channels").Array() {
		ch, err := translate.CLNChannel(e)
		if err != nil {
			bad[translate.CLNChannelKey(e)] = err
			continue
		}
		current[ch.Key()] = *ch
	}

	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	var events []*domain.Event
	for key, err := range bad {
		if prev, ok := c.channels[key]; ok {
			current[key] = prev
		}
		if !c.badChannels[key] {
			c.logger.Warn("untranslatable channel", "channel", key, "error", err)
			events = append(events, adapter.Untranslatable(c.cfg.Name, domain.StreamChannels, key, adapter.Cursor{}, err))
		}
	}
	if c.channelsSeeded {
		for key, ch := range current {
			if prev, ok := c.channels[key]; ok && prev == ch {
				continue
			}
			ch := ch
			events = append(events, &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindChannel, Channel: &ch})
		}
		for key, prev := range c.channels {
			if _, ok := current[key]; ok || prev.State == domain.ChannelStateClosed {
				continue
			}
			closed := prev
			closed.State = domain.ChannelStateClosed
			events = append(events, &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindChannel, Channel: &closed})
		}
	}

	commit := func() {
		c.pollMu.Lock()
		c.channels = current
		c.channelsSeeded = true
		c.badChannels = failing(bad)
		c.pollMu.Unlock()
	}
	return events, commit, nil
}

// pollPayments returns payments that appeared or changed state. listpays
// may list several attempts per hash; the last one wins. Untranslatable
// payments are handled like channels.
func (c *Client) pollPayments(ctx context.Context) ([]*domain.Event, func(), error) {
	r, err := c.post(ctx, "listpays", nil)
	if err != nil {
		return nil, nil, err
	}
	current := make(map[string]domain.Payment)
	bad := make(map[string]error)
	for _, e := range r.Get("pays").Array() {
		p, err := translate.CLNPayment(e)
		if err != nil {
			bad[e.Get("payment_hash").String()] = err
			continue
		}
		current[p.PaymentHash] = *p
	}

	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	var events []*domain.Event
	for hash, err := range bad {
		if _, ok := current[hash]; ok {
			// Another attempt for the same hash translated.
			delete(bad, hash)
			continue
		}
		if prev, ok := c.payments[hash]; ok {
			current[hash] = prev
		}
		if !c.badPayments[hash] {
			c.logger.Warn("untranslatable payment", "payment_hash", hash, "error", err)
			events = append(events, adapter.Untranslatable(c.cfg.Name, domain.StreamPayments, hash, adapter.Cursor{}, err))
		}
	}
	if c.paymentsSeeded {
		for hash, p := range current {
			if prev, ok := c.payments[hash]; ok && prev.State == p.State && prev.FeeSat == p.FeeSat {
				continue
			}
			p := p
			events = append(events, &domain.Event{Source: c.cfg.Name, Kind: domain.EventKindPayment, Payment: &p})
		}
	}

	commit := func() {
		c.pollMu.Lock()
		c.payments = current
		c.paymentsSeeded = true
		c.badPayments = failing(bad)
		c.pollMu.Unlock()
	}
	return events, commit, nil
}

func failing(bad map[string]error) map[string]bool {
	out := make(map[string]bool, len(bad))
	for key := range bad {
		out[key] = true
	}
	return out
}
