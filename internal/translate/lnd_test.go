package translate

import (
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"

	"github.com/marko911/lnpulse/pkg/domain"
)

func TestLNDInvoice(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	base := func(state lnrpc.Invoice_InvoiceState) *lnrpc.Invoice {
		return &lnrpc.Invoice{
			Memo:           "coffee",
			RHash:          []byte{0xde, 0xad, 0xbe, 0xef},
			ValueMsat:      21_999,
			CreationDate:   created.Unix(),
			Expiry:         3600,
			PaymentRequest: "lnbc1...",
			AddIndex:       7,
			State:          state,
		}
	}

	tests := []struct {
		name  string
		state lnrpc.Invoice_InvoiceState
		now   time.Time
		want  domain.InvoiceState
	}{
		{"open", lnrpc.Invoice_OPEN, created.Add(time.Minute), domain.InvoiceStateOpen},
		{"accepted is open", lnrpc.Invoice_ACCEPTED, created.Add(time.Minute), domain.InvoiceStateOpen},
		{"open past expiry", lnrpc.Invoice_OPEN, created.Add(2 * time.Hour), domain.InvoiceStateExpired},
		{"settled", lnrpc.Invoice_SETTLED, created.Add(2 * time.Hour), domain.InvoiceStateSettled},
		{"canceled", lnrpc.Invoice_CANCELED, created.Add(time.Minute), domain.InvoiceStateCancelled},
		{"unknown wire value", lnrpc.Invoice_InvoiceState(42), created, domain.InvoiceStateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := LNDInvoice(base(tt.state), tt.now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if inv.State != tt.want {
				t.Errorf("state = %v, want %v", inv.State, tt.want)
			}
			if inv.PaymentHash != "deadbeef" {
				t.Errorf("payment hash = %q", inv.PaymentHash)
			}
			if inv.AmountSat != 21 {
				t.Errorf("amount = %d, want 21 (truncated)", inv.AmountSat)
			}
			if !inv.ExpiresAt.Equal(created.Add(time.Hour)) {
				t.Errorf("expires at = %v", inv.ExpiresAt)
			}
		})
	}
}

func TestLNDInvoice_MissingHash(t *testing.T) {
	_, err := LNDInvoice(&lnrpc.Invoice{Value: 10}, time.Now())
	if !errors.Is(err, domain.ErrBackendProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestLNDInvoiceRequest(t *testing.T) {
	inv, err := LNDInvoiceRequest(domain.InvoiceRequest{AmountSat: 1000, Memo: "m", Expiry: 10 * time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ValueMsat != 1_000_000 || inv.Expiry != 600 || inv.Memo != "m" {
		t.Errorf("unexpected request: %+v", inv)
	}

	if _, err := LNDInvoiceRequest(domain.InvoiceRequest{AmountSat: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLNDPayment(t *testing.T) {
	p, err := LNDPayment(&lnrpc.Payment{
		PaymentHash:    "abc",
		ValueMsat:      50_500,
		FeeMsat:        1_999,
		Status:         lnrpc.Payment_SUCCEEDED,
		CreationTimeNs: 1_700_000_000_000_000_000,
		Htlcs: []*lnrpc.HTLCAttempt{
			{Status: lnrpc.HTLCAttempt_FAILED},
			{
				Status: lnrpc.HTLCAttempt_SUCCEEDED,
				Route:  &lnrpc.Route{Hops: []*lnrpc.Hop{{PubKey: "02aa"}, {PubKey: "03bb"}}},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != domain.PaymentStateSucceeded {
		t.Errorf("state = %v", p.State)
	}
	if p.AmountSat != 50 || p.FeeSat != 1 {
		t.Errorf("amount/fee = %d/%d, want 50/1", p.AmountSat, p.FeeSat)
	}
	if p.Route != "2 hops via 02aa" {
		t.Errorf("route = %q", p.Route)
	}
	if p.CreatedAt.Unix() != 1_700_000_000 {
		t.Errorf("created at = %v", p.CreatedAt)
	}
}

func TestLNDPayment_FailureReason(t *testing.T) {
	p, err := LNDPayment(&lnrpc.Payment{
		PaymentHash:   "abc",
		Status:        lnrpc.Payment_FAILED,
		FailureReason: lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State != domain.PaymentStateFailed || p.FailureReason != "FAILURE_REASON_NO_ROUTE" {
		t.Errorf("unexpected payment: %+v", p)
	}
}

func TestLNDPaymentState(t *testing.T) {
	tests := map[lnrpc.Payment_PaymentStatus]domain.PaymentState{
		lnrpc.Payment_IN_FLIGHT: domain.PaymentStateInFlight,
		lnrpc.Payment_INITIATED: domain.PaymentStateInFlight,
		lnrpc.Payment_SUCCEEDED: domain.PaymentStateSucceeded,
		lnrpc.Payment_FAILED:    domain.PaymentStateFailed,
		lnrpc.Payment_UNKNOWN:   domain.PaymentStateUnknown,
	}
	for in, want := range tests {
		if got := LNDPaymentState(in); got != want {
			t.Errorf("LNDPaymentState(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestLNDChannelEvent(t *testing.T) {
	txid := "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

	open := &lnrpc.ChannelEventUpdate{
		Type: lnrpc.ChannelEventUpdate_OPEN_CHANNEL,
		Channel: &lnrpc.ChannelEventUpdate_OpenChannel{OpenChannel: &lnrpc.Channel{
			Active:        true,
			RemotePubkey:  "02peer",
			ChannelPoint:  txid + ":1",
			ChanId:        12345,
			Capacity:      1_000_000,
			LocalBalance:  600_000,
			RemoteBalance: 400_000,
		}},
	}
	ch, err := LNDChannelEvent(open)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ch.State != domain.ChannelStateActive || ch.ID != "12345" || ch.LocalBalanceSat != 600_000 {
		t.Errorf("open: unexpected channel %+v", ch)
	}

	inactive := &lnrpc.ChannelEventUpdate{
		Type: lnrpc.ChannelEventUpdate_INACTIVE_CHANNEL,
		Channel: &lnrpc.ChannelEventUpdate_InactiveChannel{InactiveChannel: &lnrpc.ChannelPoint{
			FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: txid},
			OutputIndex: 1,
		}},
	}
	ch, err = LNDChannelEvent(inactive)
	if err != nil {
		t.Fatalf("inactive: %v", err)
	}
	if ch.State != domain.ChannelStateInactive || ch.ChannelPoint != txid+":1" {
		t.Errorf("inactive: unexpected channel %+v", ch)
	}

	closed := &lnrpc.ChannelEventUpdate{
		Type: lnrpc.ChannelEventUpdate_CLOSED_CHANNEL,
		Channel: &lnrpc.ChannelEventUpdate_ClosedChannel{ClosedChannel: &lnrpc.ChannelCloseSummary{
			ChannelPoint:   txid + ":1",
			ChanId:         12345,
			SettledBalance: 599_000,
		}},
	}
	ch, err = LNDChannelEvent(closed)
	if err != nil {
		t.Fatalf("closed: %v", err)
	}
	if ch.State != domain.ChannelStateClosed {
		t.Errorf("closed: state = %v", ch.State)
	}

	resolved := &lnrpc.ChannelEventUpdate{Type: lnrpc.ChannelEventUpdate_FULLY_RESOLVED_CHANNEL}
	ch, err = LNDChannelEvent(resolved)
	if err != nil || ch != nil {
		t.Errorf("resolved: expected no channel, got %+v, %v", ch, err)
	}
}

func TestLNDPendingChannels(t *testing.T) {
	resp := &lnrpc.PendingChannelsResponse{
		PendingOpenChannels: []*lnrpc.PendingChannelsResponse_PendingOpenChannel{
			{Channel: &lnrpc.PendingChannelsResponse_PendingChannel{ChannelPoint: "aa:0", Capacity: 10}},
		},
		WaitingCloseChannels: []*lnrpc.PendingChannelsResponse_WaitingCloseChannel{
			{Channel: &lnrpc.PendingChannelsResponse_PendingChannel{ChannelPoint: "bb:0"}},
		},
		PendingForceClosingChannels: []*lnrpc.PendingChannelsResponse_ForceClosedChannel{
			{Channel: &lnrpc.PendingChannelsResponse_PendingChannel{ChannelPoint: "cc:1"}},
			{Channel: nil},
		},
	}
	got := LNDPendingChannels(resp)
	if len(got) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(got))
	}
	if got[0].State != domain.ChannelStatePending || got[1].State != domain.ChannelStateClosing || got[2].State != domain.ChannelStateClosing {
		t.Errorf("unexpected states: %v %v %v", got[0].State, got[1].State, got[2].State)
	}
}

func TestParseLNDChannelPoint(t *testing.T) {
	txid := "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	cp, err := ParseLNDChannelPoint(txid + ":3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := LNDChannelPoint(cp)
	if err != nil || s != txid+":3" {
		t.Errorf("LNDChannelPoint = %q, %v", s, err)
	}

	for _, bad := range []string{"", "nocolon", ":1", txid + ":x", "zz:1"} {
		if _, err := ParseLNDChannelPoint(bad); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("ParseLNDChannelPoint(%q) expected validation error, got %v", bad, err)
		}
	}
}

func TestLNDNodeInfo(t *testing.T) {
	info, err := LNDNodeInfo(&lnrpc.GetInfoResponse{
		IdentityPubkey: "02node",
		Alias:          "alice",
		BlockHeight:    840_000,
		SyncedToChain:  true,
		Chains:         []*lnrpc.Chain{{Chain: "bitcoin", Network: "mainnet"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.BlockHeight != 840_000 || info.Network != "mainnet" || !info.Synced {
		t.Errorf("unexpected info: %+v", info)
	}

	if _, err := LNDNodeInfo(&lnrpc.GetInfoResponse{}); !errors.Is(err, domain.ErrBackendProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}
