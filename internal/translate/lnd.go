package translate

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"

	"github.com/marko911/lnpulse/pkg/domain"
)

const lndBackend = "lnd"

// LNDNodeInfo translates a GetInfo response.
func LNDNodeInfo(r *lnrpc.GetInfoResponse) (*domain.NodeInfo, error) {
	if r == nil || r.IdentityPubkey == "" {
		return nil, domain.Protocol(nil, "getinfo: missing identity pubkey")
	}
	info := &domain.NodeInfo{
		PubKey:      r.IdentityPubkey,
		Alias:       r.Alias,
		Synced:      r.SyncedToChain,
		BlockHeight: r.BlockHeight,
		BlockHash:   r.BlockHash,
		Version:     r.Version,
		Backend:     lndBackend,
	}
	if len(r.Chains) > 0 {
		info.Network = r.Chains[0].Network
	}
	return info, nil
}

// LNDInvoiceState maps the LND invoice state. ACCEPTED means HTLCs are held
// but not settled, which is still Open. An OPEN invoice past its expiry is
// reported as Expired because LND never emits that state itself.
func LNDInvoiceState(s lnrpc.Invoice_InvoiceState, expiresAt, now time.Time) domain.InvoiceState {
	switch s {
	case lnrpc.Invoice_OPEN, lnrpc.Invoice_ACCEPTED:
		if !expiresAt.IsZero() && now.After(expiresAt) {
			return domain.InvoiceStateExpired
		}
		return domain.InvoiceStateOpen
	case lnrpc.Invoice_SETTLED:
		return domain.InvoiceStateSettled
	case lnrpc.Invoice_CANCELED:
		return domain.InvoiceStateCancelled
	default:
		return domain.InvoiceStateUnknown
	}
}

// LNDInvoice translates an invoice from AddInvoice lookups or the invoice
// subscription.
func LNDInvoice(inv *lnrpc.Invoice, now time.Time) (*domain.Invoice, error) {
	if inv == nil {
		return nil, domain.Protocol(nil, "nil invoice")
	}
	if len(inv.RHash) == 0 {
		return nil, domain.Protocol(nil, "invoice: missing payment hash")
	}

	amount := MsatToSat(domain.Msat(inv.ValueMsat))
	if inv.ValueMsat == 0 {
		amount = domain.Sat(inv.Value)
	}

	created := unixTime(inv.CreationDate)
	var expires time.Time
	if !created.IsZero() && inv.Expiry > 0 {
		expires = created.Add(time.Duration(inv.Expiry) * time.Second)
	}

	return &domain.Invoice{
		PaymentHash:    hex.EncodeToString(inv.RHash),
		PaymentRequest: inv.PaymentRequest,
		AmountSat:      amount,
		AmountPaidSat:  MsatToSat(domain.Msat(inv.AmtPaidMsat)),
		Memo:           inv.Memo,
		State:          LNDInvoiceState(inv.State, expires, now),
		CreatedAt:      created,
		SettledAt:      unixTime(inv.SettleDate),
		ExpiresAt:      expires,
		AddIndex:       inv.AddIndex,
		SettleIndex:    inv.SettleIndex,
	}, nil
}

// LNDInvoiceRequest builds the AddInvoice request.
func LNDInvoiceRequest(req domain.InvoiceRequest) (*lnrpc.Invoice, error) {
	if req.AmountSat < 0 {
		return nil, domain.Validation("amount must not be negative")
	}
	inv := &lnrpc.Invoice{
		Memo:      req.Memo,
		ValueMsat: int64(SatToMsat(req.AmountSat)),
	}
	if req.Expiry > 0 {
		inv.Expiry = int64(req.Expiry / time.Second)
	}
	return inv, nil
}

func LNDPaymentState(s lnrpc.Payment_PaymentStatus) domain.PaymentState {
	switch s {
	case lnrpc.Payment_IN_FLIGHT, lnrpc.Payment_INITIATED:
		return domain.PaymentStateInFlight
	case lnrpc.Payment_SUCCEEDED:
		return domain.PaymentStateSucceeded
	case lnrpc.Payment_FAILED:
		return domain.PaymentStateFailed
	default:
		return domain.PaymentStateUnknown
	}
}

// LNDPayment translates a payment update from SendPaymentV2 or TrackPayments.
func LNDPayment(p *lnrpc.Payment) (*domain.Payment, error) {
	if p == nil {
		return nil, domain.Protocol(nil, "nil payment")
	}
	if p.PaymentHash == "" {
		return nil, domain.Protocol(nil, "payment: missing payment hash")
	}

	out := &domain.Payment{
		PaymentHash: p.PaymentHash,
		AmountSat:   MsatToSat(domain.Msat(p.ValueMsat)),
		FeeSat:      MsatToSat(domain.Msat(p.FeeMsat)),
		State:       LNDPaymentState(p.Status),
		Route:       lndRouteSummary(p),
	}
	if p.CreationTimeNs > 0 {
		out.CreatedAt = time.Unix(0, p.CreationTimeNs).UTC()
	}
	if out.State == domain.PaymentStateFailed && p.FailureReason != lnrpc.PaymentFailureReason_FAILURE_REASON_NONE {
		out.FailureReason = p.FailureReason.String()
	}
	return out, nil
}

// lndRouteSummary describes the route of the settled attempt as
// "<hops> hops via <first hop pubkey>".
func lndRouteSummary(p *lnrpc.Payment) string {
	for _, htlc := range p.Htlcs {
		if htlc.Status != lnrpc.HTLCAttempt_SUCCEEDED || htlc.Route == nil || len(htlc.Route.Hops) == 0 {
			continue
		}
		return fmt.Sprintf("%d hops via %s", len(htlc.Route.Hops), htlc.Route.Hops[0].PubKey)
	}
	return ""
}

// LNDChannel translates an open channel from ListChannels or a channel event.
func LNDChannel(c *lnrpc.Channel) (*domain.Channel, error) {
	if c == nil || c.ChannelPoint == "" {
		return nil, domain.Protocol(nil, "channel: missing channel point")
	}
	state := domain.ChannelStateInactive
	if c.Active {
		state = domain.ChannelStateActive
	}
	return &domain.Channel{
		ID:               strconv.FormatUint(c.ChanId, 10),
		ChannelPoint:     c.ChannelPoint,
		PeerPubKey:       c.RemotePubkey,
		PeerAlias:        c.PeerAlias,
		CapacitySat:      domain.Sat(c.Capacity),
		LocalBalanceSat:  domain.Sat(c.LocalBalance),
		RemoteBalanceSat: domain.Sat(c.RemoteBalance),
		State:            state,
	}, nil
}

func lndPendingChannel(c *lnrpc.PendingChannelsResponse_PendingChannel, state domain.ChannelState) *domain.Channel {
	if c == nil || c.ChannelPoint == "" {
		return nil
	}
	return &domain.Channel{
		ID:               c.ChannelPoint,
		ChannelPoint:     c.ChannelPoint,
		PeerPubKey:       c.RemoteNodePub,
		CapacitySat:      domain.Sat(c.Capacity),
		LocalBalanceSat:  domain.Sat(c.LocalBalance),
		RemoteBalanceSat: domain.Sat(c.RemoteBalance),
		State:            state,
	}
}

// LNDPendingChannels flattens the pending channel report. Opening channels
// are Pending; cooperative and forced closes awaiting confirmation are Closing.
func LNDPendingChannels(r *lnrpc.PendingChannelsResponse) []domain.Channel {
	if r == nil {
		return nil
	}
	var out []domain.Channel
	for _, p := range r.PendingOpenChannels {
		if ch := lndPendingChannel(p.GetChannel(), domain.ChannelStatePending); ch != nil {
			out = append(out, *ch)
		}
	}
	for _, p := range r.WaitingCloseChannels {
		if ch := lndPendingChannel(p.GetChannel(), domain.ChannelStateClosing); ch != nil {
			out = append(out, *ch)
		}
	}
	for _, p := range r.PendingForceClosingChannels {
		if ch := lndPendingChannel(p.GetChannel(), domain.ChannelStateClosing); ch != nil {
			out = append(out, *ch)
		}
	}
	return out
}

// LNDChannelPoint renders a channel point as "<txid>:<index>".
func LNDChannelPoint(cp *lnrpc.ChannelPoint) (string, error) {
	if cp == nil {
		return "", domain.Protocol(nil, "nil channel point")
	}
	txid := cp.GetFundingTxidStr()
	if txid == "" {
		raw := cp.GetFundingTxidBytes()
		h, err := chainhash.NewHash(raw)
		if err != nil {
			return "", domain.Protocol(err, "channel point txid")
		}
		txid = h.String()
	}
	return fmt.Sprintf("%s:%d", txid, cp.OutputIndex), nil
}

// ParseLNDChannelPoint is the inverse of LNDChannelPoint.
func ParseLNDChannelPoint(s string) (*lnrpc.ChannelPoint, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return nil, domain.Validation("invalid channel point %q", s)
	}
	txid, idx := s[:i], s[i+1:]
	n, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return nil, domain.Validation("invalid channel point index %q", s)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return nil, domain.Validation("invalid channel point txid %q", s)
	}
	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: txid},
		OutputIndex: uint32(n),
	}, nil
}

// LNDChannelEvent translates a channel event. Updates that carry no channel
// state change (for example fully resolved notices) return nil.
func LNDChannelEvent(u *lnrpc.ChannelEventUpdate) (*domain.Channel, error) {
	if u == nil {
		return nil, domain.Protocol(nil, "nil channel event")
	}
	switch u.Type {
	case lnrpc.ChannelEventUpdate_OPEN_CHANNEL:
		return LNDChannel(u.GetOpenChannel())

	case lnrpc.ChannelEventUpdate_CLOSED_CHANNEL:
		c := u.GetClosedChannel()
		if c == nil || c.ChannelPoint == "" {
			return nil, domain.Protocol(nil, "closed channel: missing channel point")
		}
		return &domain.Channel{
			ID:              strconv.FormatUint(c.ChanId, 10),
			ChannelPoint:    c.ChannelPoint,
			PeerPubKey:      c.RemotePubkey,
			CapacitySat:     domain.Sat(c.Capacity),
			LocalBalanceSat: domain.Sat(c.SettledBalance),
			State:           domain.ChannelStateClosed,
		}, nil

	case lnrpc.ChannelEventUpdate_ACTIVE_CHANNEL, lnrpc.ChannelEventUpdate_INACTIVE_CHANNEL:
		cp := u.GetActiveChannel()
		state := domain.ChannelStateActive
		if u.Type == lnrpc.ChannelEventUpdate_INACTIVE_CHANNEL {
			cp = u.GetInactiveChannel()
			state = domain.ChannelStateInactive
		}
		point, err := LNDChannelPoint(cp)
		if err != nil {
			return nil, err
		}
		return &domain.Channel{ID: point, ChannelPoint: point, State: state}, nil

	case lnrpc.ChannelEventUpdate_PENDING_OPEN_CHANNEL:
		p := u.GetPendingOpenChannel()
		if p == nil {
			return nil, domain.Protocol(nil, "pending channel: missing update")
		}
		h, err := chainhash.NewHash(p.Txid)
		if err != nil {
			return nil, domain.Protocol(err, "pending channel txid")
		}
		point := fmt.Sprintf("%s:%d", h, p.OutputIndex)
		return &domain.Channel{ID: point, ChannelPoint: point, State: domain.ChannelStatePending}, nil

	default:
		return nil, nil
	}
}

// LNDPayReq translates a DecodePayReq response.
func LNDPayReq(r *lnrpc.PayReq) (*domain.PayReq, error) {
	if r == nil || r.PaymentHash == "" {
		return nil, domain.Protocol(nil, "decodepayreq: missing payment hash")
	}
	amount := MsatToSat(domain.Msat(r.NumMsat))
	if r.NumMsat == 0 {
		amount = domain.Sat(r.NumSatoshis)
	}
	return &domain.PayReq{
		PaymentHash:     r.PaymentHash,
		Destination:     r.Destination,
		AmountSat:       amount,
		Description:     r.Description,
		DescriptionHash: r.DescriptionHash,
		CreatedAt:       unixTime(r.Timestamp),
		Expiry:          time.Duration(r.Expiry) * time.Second,
		MinFinalCLTV:    uint32(r.CltvExpiry),
	}, nil
}

// LNDBalance merges the wallet and channel balance reports.
func LNDBalance(w *lnrpc.WalletBalanceResponse, c *lnrpc.ChannelBalanceResponse) *domain.Balance {
	return &domain.Balance{
		OnchainConfirmedSat:     domain.Sat(w.GetConfirmedBalance()),
		OnchainUnconfirmedSat:   domain.Sat(w.GetUnconfirmedBalance()),
		OnchainTotalSat:         domain.Sat(w.GetTotalBalance()),
		ChannelLocalSat:         domain.Sat(c.GetLocalBalance().GetSat()),
		ChannelRemoteSat:        domain.Sat(c.GetRemoteBalance().GetSat()),
		ChannelPendingLocalSat:  domain.Sat(c.GetPendingOpenLocalBalance().GetSat()),
		ChannelPendingRemoteSat: domain.Sat(c.GetPendingOpenRemoteBalance().GetSat()),
	}
}

// LNDOpenChannelRequest builds the OpenChannelSync request for peer.
func LNDOpenChannelRequest(req domain.OpenChannelRequest, peer domain.PeerURI) (*lnrpc.OpenChannelRequest, error) {
	pub, err := hex.DecodeString(peer.PubKey)
	if err != nil {
		return nil, domain.Validation("invalid peer pubkey %q", peer.PubKey)
	}
	return &lnrpc.OpenChannelRequest{
		NodePubkey:         pub,
		LocalFundingAmount: int64(req.LocalAmountSat),
		PushSat:            int64(req.PushAmountSat),
		TargetConf:         req.TargetConf,
		Private:            req.Private,
	}, nil
}

// LNDForward joins the forward event that offered an HTLC with the settle
// event that resolved it.
func LNDForward(offered, settled *routerrpc.HtlcEvent) (*domain.Forward, error) {
	info := offered.GetForwardEvent().GetInfo()
	if info == nil {
		return nil, domain.Protocol(nil, "forward event: missing htlc info")
	}
	if info.IncomingAmtMsat < info.OutgoingAmtMsat {
		return nil, domain.Protocol(nil, "forward event: outgoing amount %d exceeds incoming %d", info.OutgoingAmtMsat, info.IncomingAmtMsat)
	}
	f := &domain.Forward{
		InChannel:    strconv.FormatUint(offered.GetIncomingChannelId(), 10),
		OutChannel:   strconv.FormatUint(offered.GetOutgoingChannelId(), 10),
		AmountInSat:  MsatToSat(domain.Msat(info.IncomingAmtMsat)),
		AmountOutSat: MsatToSat(domain.Msat(info.OutgoingAmtMsat)),
		FeeMsat:      domain.Msat(info.IncomingAmtMsat - info.OutgoingAmtMsat),
	}
	if ts := settled.GetTimestampNs(); ts > 0 {
		f.ResolvedAt = time.Unix(0, int64(ts)).UTC()
	}
	return f, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
