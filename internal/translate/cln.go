package translate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/marko911/lnpulse/pkg/domain"
)

const clnBackend = "cln"

// CLNNodeInfo translates a getinfo result.
func CLNNodeInfo(r gjson.Result) (*domain.NodeInfo, error) {
	id := r.Get("id").String()
	if id == "" {
		return nil, domain.Protocol(nil, "getinfo: missing id")
	}
	synced := !r.Get("warning_bitcoind_sync").Exists() && !r.Get("warning_lightningd_sync").Exists()
	return &domain.NodeInfo{
		PubKey:      id,
		Alias:       r.Get("alias").String(),
		Synced:      synced,
		BlockHeight: uint32(r.Get("blockheight").Uint()),
		Version:     r.Get("version").String(),
		Network:     r.Get("network").String(),
		Backend:     clnBackend,
	}, nil
}

func CLNInvoiceState(status string) domain.InvoiceState {
	switch status {
	case "unpaid":
		return domain.InvoiceStateOpen
	case "paid":
		return domain.InvoiceStateSettled
	case "expired":
		return domain.InvoiceStateExpired
	default:
		return domain.InvoiceStateUnknown
	}
}

// CLNInvoice translates an entry of listinvoices or a waitanyinvoice result.
// An unpaid invoice past expires_at is Expired even if the node has not yet
// run its expiry sweep.
func CLNInvoice(r gjson.Result, now time.Time) (*domain.Invoice, error) {
	hash := r.Get("payment_hash").String()
	if hash == "" {
		return nil, domain.Protocol(nil, "invoice: missing payment_hash")
	}

	amount, _, err := amountField(r.Get("amount_msat"))
	if err != nil {
		return nil, err
	}
	received, _, err := amountField(r.Get("amount_received_msat"))
	if err != nil {
		return nil, err
	}

	inv := &domain.Invoice{
		PaymentHash:    hash,
		PaymentRequest: firstString(r, "bolt11", "bolt12"),
		AmountSat:      MsatToSat(amount),
		AmountPaidSat:  MsatToSat(received),
		Memo:           r.Get("description").String(),
		State:          CLNInvoiceState(r.Get("status").String()),
		SettledAt:      unixTime(r.Get("paid_at").Int()),
		ExpiresAt:      unixTime(r.Get("expires_at").Int()),
		SettleIndex:    r.Get("pay_index").Uint(),
		AddIndex:       r.Get("created_index").Uint(),
	}
	if inv.State == domain.InvoiceStateOpen && !inv.ExpiresAt.IsZero() && now.After(inv.ExpiresAt) {
		inv.State = domain.InvoiceStateExpired
	}
	return inv, nil
}

// CLNCreatedInvoice translates the invoice command result, which only echoes
// the hash, bolt11 and expiry.
func CLNCreatedInvoice(r gjson.Result, req domain.InvoiceRequest, now time.Time) (*domain.Invoice, error) {
	hash := r.Get("payment_hash").String()
	bolt11 := r.Get("bolt11").String()
	if hash == "" || bolt11 == "" {
		return nil, domain.Protocol(nil, "invoice: missing payment_hash or bolt11")
	}
	return &domain.Invoice{
		PaymentHash:    hash,
		PaymentRequest: bolt11,
		AmountSat:      req.AmountSat,
		Memo:           req.Memo,
		State:          domain.InvoiceStateOpen,
		CreatedAt:      now.UTC(),
		ExpiresAt:      unixTime(r.Get("expires_at").Int()),
		AddIndex:       r.Get("created_index").Uint(),
	}, nil
}

// CLNInvoiceParams builds the invoice command parameters. A zero amount
// creates an "any" amount invoice.
func CLNInvoiceParams(req domain.InvoiceRequest, label string) (map[string]any, error) {
	if req.AmountSat < 0 {
		return nil, domain.Validation("amount must not be negative")
	}
	params := map[string]any{
		"label":       label,
		"description": req.Memo,
	}
	if req.AmountSat == 0 {
		params["amount_msat"] = "any"
	} else {
		params["amount_msat"] = int64(SatToMsat(req.AmountSat))
	}
	if req.Expiry > 0 {
		params["expiry"] = int64(req.Expiry / time.Second)
	}
	return params, nil
}

// CLNPayParams builds the pay command parameters.
func CLNPayParams(req domain.PaymentRequest) (map[string]any, error) {
	if req.AmountSat < 0 || req.FeeLimitSat < 0 {
		return nil, domain.Validation("amounts must not be negative")
	}
	params := map[string]any{"bolt11": req.PaymentRequest}
	if req.AmountSat > 0 {
		params["amount_msat"] = int64(SatToMsat(req.AmountSat))
	}
	if req.FeeLimitSat > 0 {
		params["maxfee"] = int64(SatToMsat(req.FeeLimitSat))
	}
	if req.Timeout > 0 {
		params["retry_for"] = int64(math.Ceil(req.Timeout.Seconds()))
	}
	return params, nil
}

func CLNPaymentState(status string) domain.PaymentState {
	switch status {
	case "pending":
		return domain.PaymentStateInFlight
	case "complete":
		return domain.PaymentStateSucceeded
	case "failed":
		return domain.PaymentStateFailed
	default:
		return domain.PaymentStateUnknown
	}
}

// CLNPayment translates a pay result or a listpays entry. pay reports the
// part count as parts, listpays as number_of_parts.
func CLNPayment(r gjson.Result) (*domain.Payment, error) {
	hash := r.Get("payment_hash").String()
	if hash == "" {
		return nil, domain.Protocol(nil, "payment: missing payment_hash")
	}
	amount, _, err := amountField(r.Get("amount_msat"))
	if err != nil {
		return nil, err
	}
	sent, hasSent, err := amountField(r.Get("amount_sent_msat"))
	if err != nil {
		return nil, err
	}

	p := &domain.Payment{
		PaymentHash: hash,
		AmountSat:   MsatToSat(amount),
		State:       CLNPaymentState(r.Get("status").String()),
	}
	if hasSent && sent > amount {
		p.FeeSat = MsatToSat(sent - amount)
	}
	if created := r.Get("created_at").Float(); created > 0 {
		sec, frac := math.Modf(created)
		p.CreatedAt = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	if dest := r.Get("destination").String(); dest != "" {
		parts := r.Get("parts").Int()
		if parts == 0 {
			parts = r.Get("number_of_parts").Int()
		}
		if parts > 1 {
			p.Route = fmt.Sprintf("%d parts to %s", parts, dest)
		} else {
			p.Route = "to " + dest
		}
	}
	return p, nil
}

// CLNFailedPayment builds the Failed payment reported by a definitive pay
// error. The error data carries the payment hash when the node knows it.
func CLNFailedPayment(data gjson.Result, hash, message string) *domain.Payment {
	if h := data.Get("payment_hash").String(); h != "" {
		hash = h
	}
	amount, _, _ := amountField(data.Get("amount_msat"))
	return &domain.Payment{
		PaymentHash:   hash,
		AmountSat:     MsatToSat(amount),
		State:         domain.PaymentStateFailed,
		FailureReason: message,
	}
}

// CLNChannelState maps a channeld/closingd/onchaind state name. connected
// distinguishes an Active from an Inactive normal channel.
func CLNChannelState(state string, connected bool) domain.ChannelState {
	switch state {
	case "CHANNELD_NORMAL", "CHANNELD_AWAITING_SPLICE":
		if connected {
			return domain.ChannelStateActive
		}
		return domain.ChannelStateInactive
	case "CLOSED":
		return domain.ChannelStateClosed
	case "CHANNELD_SHUTTING_DOWN", "CLOSINGD_SIGEXCHANGE", "CLOSINGD_COMPLETE",
		"AWAITING_UNILATERAL", "FUNDING_SPEND_SEEN", "ONCHAIN":
		return domain.ChannelStateClosing
	}
	if state == "OPENINGD" || strings.HasSuffix(state, "_AWAITING_LOCKIN") || strings.HasPrefix(state, "DUALOPEND_OPEN") {
		return domain.ChannelStatePending
	}
	return domain.ChannelStateUnknown
}

// CLNChannel translates a listpeerchannels entry.
func CLNChannel(r gjson.Result) (*domain.Channel, error) {
	id := clnChannelID(r)
	if id == "" {
		return nil, domain.Protocol(nil, "channel: missing id")
	}
	total, _, err := amountField(r.Get("total_msat"))
	if err != nil {
		return nil, err
	}
	ours, _, err := amountField(r.Get("to_us_msat"))
	if err != nil {
		return nil, err
	}

	ch := &domain.Channel{
		ID:               id,
		PeerPubKey:       r.Get("peer_id").String(),
		CapacitySat:      MsatToSat(total),
		LocalBalanceSat:  MsatToSat(ours),
		RemoteBalanceSat: MsatToSat(total - ours),
		State:            CLNChannelState(r.Get("state").String(), r.Get("peer_connected").Bool()),
	}
	ch.ChannelPoint = clnChannelPoint(r)
	return ch, nil
}

// CLNChannelKey reads the key CLNChannel's result would carry straight from
// the raw entry, so a channel that fails translation can still be tracked.
func CLNChannelKey(r gjson.Result) string {
	if point := clnChannelPoint(r); point != "" {
		return point
	}
	return clnChannelID(r)
}

func clnChannelID(r gjson.Result) string {
	return firstString(r, "short_channel_id", "channel_id")
}

func clnChannelPoint(r gjson.Result) string {
	if txid := r.Get("funding_txid").String(); txid != "" {
		return fmt.Sprintf("%s:%d", txid, r.Get("funding_outnum").Uint())
	}
	return ""
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p).String(); v != "" {
			return v
		}
	}
	return ""
}

// CLNPayReq translates a decode result for a bolt11 string.
func CLNPayReq(r gjson.Result) (*domain.PayReq, error) {
	if t := r.Get("type").String(); t != "" && !strings.Contains(t, "bolt11") {
		return nil, domain.Validation("not a bolt11 invoice: %s", t)
	}
	if v := r.Get("valid"); v.Exists() && !v.Bool() {
		return nil, domain.Validation("invalid bolt11: %s", firstString(r, "warning_invalid", "warning_missing_description"))
	}
	hash := r.Get("payment_hash").String()
	if hash == "" {
		return nil, domain.Protocol(nil, "decode: missing payment_hash")
	}
	amount, _, err := amountField(r.Get("amount_msat"))
	if err != nil {
		return nil, err
	}
	return &domain.PayReq{
		PaymentHash:     hash,
		Destination:     r.Get("payee").String(),
		AmountSat:       MsatToSat(amount),
		Description:     r.Get("description").String(),
		DescriptionHash: r.Get("description_hash").String(),
		CreatedAt:       unixTime(r.Get("created_at").Int()),
		Expiry:          time.Duration(r.Get("expiry").Int()) * time.Second,
		MinFinalCLTV:    uint32(r.Get("min_final_cltv_expiry").Uint()),
	}, nil
}

// CLNBalance sums a listfunds result. Reserved and spent outputs are not
// spendable and are left out. Channel funds count as pending until the
// channel reaches CHANNELD_NORMAL.
func CLNBalance(r gjson.Result) (*domain.Balance, error) {
	var b domain.Balance
	for _, o := range r.Get("outputs").Array() {
		amount, _, err := amountField(o.Get("amount_msat"))
		if err != nil {
			return nil, err
		}
		switch o.Get("status").String() {
		case "unconfirmed":
			b.OnchainUnconfirmedSat += MsatToSat(amount)
		case "confirmed":
			if !o.Get("reserved").Bool() {
				b.OnchainConfirmedSat += MsatToSat(amount)
			}
		}
	}
	b.OnchainTotalSat = b.OnchainConfirmedSat + b.OnchainUnconfirmedSat

	for _, c := range r.Get("channels").Array() {
		total, _, err := amountField(c.Get("amount_msat"))
		if err != nil {
			return nil, err
		}
		ours, _, err := amountField(c.Get("our_amount_msat"))
		if err != nil {
			return nil, err
		}
		if ours > total {
			return nil, domain.Protocol(nil, "listfunds: channel balance %d exceeds capacity %d", ours, total)
		}
		if c.Get("state").String() == "CHANNELD_NORMAL" {
			b.ChannelLocalSat += MsatToSat(ours)
			b.ChannelRemoteSat += MsatToSat(total - ours)
		} else {
			b.ChannelPendingLocalSat += MsatToSat(ours)
			b.ChannelPendingRemoteSat += MsatToSat(total - ours)
		}
	}
	return &b, nil
}

// CLNFundChannelParams builds fundchannel parameters. The target
// confirmation count picks one of the node's named feerates.
func CLNFundChannelParams(req domain.OpenChannelRequest, peer domain.PeerURI) map[string]any {
	params := map[string]any{
		"id":       peer.PubKey,
		"amount":   int64(req.LocalAmountSat),
		"announce": !req.Private,
	}
	if req.PushAmountSat > 0 {
		params["push_msat"] = int64(SatToMsat(req.PushAmountSat))
	}
	switch {
	case req.TargetConf == 1:
		params["feerate"] = "urgent"
	case req.TargetConf >= 2 && req.TargetConf <= 9:
		params["feerate"] = "normal"
	case req.TargetConf >= 10:
		params["feerate"] = "slow"
	}
	return params
}

// CLNForward translates a settled listforwards entry.
func CLNForward(r gjson.Result) (*domain.Forward, error) {
	in := r.Get("in_channel").String()
	if in == "" {
		return nil, domain.Protocol(nil, "forward: missing in_channel")
	}
	inMsat, _, err := amountField(r.Get("in_msat"))
	if err != nil {
		return nil, err
	}
	outMsat, _, err := amountField(r.Get("out_msat"))
	if err != nil {
		return nil, err
	}
	fee, hasFee, err := amountField(r.Get("fee_msat"))
	if err != nil {
		return nil, err
	}
	if !hasFee {
		fee = inMsat - outMsat
	}
	f := &domain.Forward{
		InChannel:    in,
		OutChannel:   r.Get("out_channel").String(),
		AmountInSat:  MsatToSat(inMsat),
		AmountOutSat: MsatToSat(outMsat),
		FeeMsat:      fee,
	}
	if resolved := r.Get("resolved_time").Float(); resolved > 0 {
		sec, frac := math.Modf(resolved)
		f.ResolvedAt = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return f, nil
}
