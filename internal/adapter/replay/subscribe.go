package replay

import (
	"context"
	"sort"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/pkg/domain"
)

// Subscribe follows LND's resume rule for invoices: invoices added after
// from.AddIndex and settled after from.SettleIndex are replayed before live
// updates. Other streams start live.
func (n *Node) Subscribe(ctx context.Context, kind domain.StreamKind, from adapter.Cursor) (adapter.Subscription, error) {
	n.mu.Lock()
	if err := n.enter("subscribe", true); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	switch kind {
	case domain.StreamInvoices, domain.StreamPayments, domain.StreamChannels, domain.StreamForwards:
	default:
		n.mu.Unlock()
		return nil, domain.WithOp(domain.Unsupported("stream %s", kind), n.cfg.Name, "subscribe")
	}

	var backlog []*domain.Event
	if kind == domain.StreamInvoices {
		backlog = n.backlogLocked(from)
	}
	sub := &subscriber{
		kind: kind,
		ch:   make(chan *domain.Event, subscriberBuffer),
		kill: make(chan error, 1),
		done: make(chan struct{}),
	}
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	return adapter.Run(ctx, n.cfg.Name, kind, func(s *adapter.Stream) error {
		defer func() {
			n.mu.Lock()
			delete(n.subs, sub)
			n.mu.Unlock()
			close(sub.done)
		}()

		for _, ev := range backlog {
			if !s.Send(ev) {
				return nil
			}
		}
		for {
			select {
			case <-s.Context().Done():
				return nil
			case err := <-sub.kill:
				return err
			case ev := <-sub.ch:
				if !s.Send(ev) {
					return nil
				}
			}
		}
	}), nil
}

func (n *Node) backlogLocked(from adapter.Cursor) []*domain.Event {
	if from.IsZero() {
		return nil
	}
	var invs []domain.Invoice
	for _, inv := range n.invoices {
		added := from.AddIndex > 0 && inv.AddIndex > from.AddIndex
		settled := from.SettleIndex > 0 && inv.SettleIndex > from.SettleIndex
		if added || settled {
			invs = append(invs, *inv)
		}
	}
	sort.Slice(invs, func(i, j int) bool { return invs[i].AddIndex < invs[j].AddIndex })

	out := make([]*domain.Event, 0, len(invs))
	for _, inv := range invs {
		out = append(out, n.invoiceEvent(inv))
	}
	return out
}

func (n *Node) subscribersLocked(kind domain.StreamKind) []*subscriber {
	var out []*subscriber
	for s := range n.subs {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// killLocked ends every live stream with err. A nil err ends them quietly.
func (n *Node) killLocked(err error) {
	for s := range n.subs {
		select {
		case s.kill <- err:
		default:
		}
	}
}

// emit hands each subscriber its own copy of ev, waiting while a
// subscriber's buffer is full unless its stream has ended.
func (n *Node) emit(subs []*subscriber, ev *domain.Event) {
	for _, s := range subs {
		cp := *ev
		select {
		case s.ch <- &cp:
		case <-s.done:
		}
	}
}
