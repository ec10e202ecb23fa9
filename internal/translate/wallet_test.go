package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/tidwall/gjson"

	"github.com/marko911/lnpulse/pkg/domain"
)

// signedInvoice encodes a regtest invoice signed by a fresh key.
func signedInvoice(t *testing.T, amount domain.Sat, memo string, created time.Time) (payReq, hash, payee string) {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256([]byte(memo))
	inv, err := zpay32.NewInvoice(&chaincfg.RegressionNetParams, h, created,
		zpay32.Amount(lnwire.MilliSatoshi(SatToMsat(amount))),
		zpay32.Description(memo),
		zpay32.Expiry(30*time.Minute),
		zpay32.CLTVExpiry(40),
	)
	if err != nil {
		t.Fatal(err)
	}
	payReq, err = inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(key, chainhash.HashB(msg), true), nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return payReq, hex.EncodeToString(h[:]), hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func TestDecodeBolt11(t *testing.T) {
	created := time.Unix(1_700_000_000, 0).UTC()
	pr, hash, payee := signedInvoice(t, 1500, "two coffees", created)

	got, err := DecodeBolt11(pr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := domain.PayReq{
		PaymentHash:  hash,
		Destination:  payee,
		AmountSat:    1500,
		Description:  "two coffees",
		CreatedAt:    created,
		Expiry:       30 * time.Minute,
		MinFinalCLTV: 40,
	}
	if *got != want {
		t.Errorf("DecodeBolt11() = %+v, want %+v", *got, want)
	}
	if !got.ExpiresAt().Equal(created.Add(30 * time.Minute)) {
		t.Errorf("ExpiresAt() = %v", got.ExpiresAt())
	}

	if _, err := DecodeBolt11("lnbcrt1garbage"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLNDPayReq(t *testing.T) {
	got, err := LNDPayReq(&lnrpc.PayReq{
		Destination: "02ab",
		PaymentHash: "cc",
		NumSatoshis: 9,
		NumMsat:     9_999,
		Timestamp:   1_700_000_000,
		Expiry:      600,
		Description: "tip",
		CltvExpiry:  18,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AmountSat != 9 || got.Expiry != 10*time.Minute || got.MinFinalCLTV != 18 || got.CreatedAt.Unix() != 1_700_000_000 {
		t.Errorf("unexpected pay request: %+v", got)
	}
	if _, err := LNDPayReq(&lnrpc.PayReq{}); !errors.Is(err, domain.ErrBackendProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestLNDBalance(t *testing.T) {
	b := LNDBalance(
		&lnrpc.WalletBalanceResponse{TotalBalance: 150, ConfirmedBalance: 100, UnconfirmedBalance: 50},
		&lnrpc.ChannelBalanceResponse{
			LocalBalance:             &lnrpc.Amount{Sat: 700},
			RemoteBalance:            &lnrpc.Amount{Sat: 300},
			PendingOpenLocalBalance:  &lnrpc.Amount{Sat: 20},
			PendingOpenRemoteBalance: nil,
		},
	)
	want := domain.Balance{
		OnchainConfirmedSat:    100,
		OnchainUnconfirmedSat:  50,
		OnchainTotalSat:        150,
		ChannelLocalSat:        700,
		ChannelRemoteSat:       300,
		ChannelPendingLocalSat: 20,
	}
	if *b != want {
		t.Errorf("LNDBalance() = %+v, want %+v", *b, want)
	}
}

func TestLNDForward(t *testing.T) {
	offered := &routerrpc.HtlcEvent{
		IncomingChannelId: 11,
		OutgoingChannelId: 22,
		EventType:         routerrpc.HtlcEvent_FORWARD,
		Event: &routerrpc.HtlcEvent_ForwardEvent{ForwardEvent: &routerrpc.ForwardEvent{
			Info: &routerrpc.HtlcInfo{IncomingAmtMsat: 100_500, OutgoingAmtMsat: 100_000},
		}},
	}
	settled := &routerrpc.HtlcEvent{TimestampNs: uint64(time.Unix(1_700_000_000, 0).UnixNano())}

	f, err := LNDForward(offered, settled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.InChannel != "11" || f.OutChannel != "22" || f.AmountInSat != 100 || f.AmountOutSat != 100 || f.FeeMsat != 500 {
		t.Errorf("unexpected forward: %+v", f)
	}
	if f.ResolvedAt.Unix() != 1_700_000_000 {
		t.Errorf("ResolvedAt = %v", f.ResolvedAt)
	}

	if _, err := LNDForward(&routerrpc.HtlcEvent{}, settled); !errors.Is(err, domain.ErrBackendProtocol) {
		t.Errorf("expected protocol error without htlc info, got %v", err)
	}
}

func TestCLNPayReq(t *testing.T) {
	r := gjson.Parse(`{
		"type": "bolt11 invoice",
		"valid": true,
		"payment_hash": "dd",
		"payee": "03cd",
		"amount_msat": 2500000,
		"description": "rent",
		"created_at": 1700000000,
		"expiry": 3600,
		"min_final_cltv_expiry": 18
	}`)
	got, err := CLNPayReq(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AmountSat != 2500 || got.Destination != "03cd" || got.Expiry != time.Hour {
		t.Errorf("unexpected pay request: %+v", got)
	}

	tests := []struct {
		name string
		body string
		want error
	}{
		{"offer", `{"type": "bolt12 offer", "valid": true}`, domain.ErrValidation},
		{"invalid", `{"type": "bolt11 invoice", "valid": false, "warning_invalid": "bad signature"}`, domain.ErrValidation},
		{"no hash", `{"type": "bolt11 invoice", "valid": true}`, domain.ErrBackendProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CLNPayReq(gjson.Parse(tt.body)); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCLNBalance(t *testing.T) {
	r := gjson.Parse(`{
		"outputs": [
			{"amount_msat": 100000000, "status": "confirmed"},
			{"amount_msat": 40000000, "status": "confirmed", "reserved": true},
			{"amount_msat": 5000000, "status": "unconfirmed"},
			{"amount_msat": 7000000, "status": "spent"}
		],
		"channels": [
			{"amount_msat": 1000000000, "our_amount_msat": 600000000, "state": "CHANNELD_NORMAL"},
			{"amount_msat": 200000000, "our_amount_msat": 200000000, "state": "CHANNELD_AWAITING_LOCKIN"}
		]
	}`)
	b, err := CLNBalance(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := domain.Balance{
		OnchainConfirmedSat:    100_000,
		OnchainUnconfirmedSat:  5_000,
		OnchainTotalSat:        105_000,
		ChannelLocalSat:        600_000,
		ChannelRemoteSat:       400_000,
		ChannelPendingLocalSat: 200_000,
	}
	if *b != want {
		t.Errorf("CLNBalance() = %+v, want %+v", *b, want)
	}

	bad := gjson.Parse(`{"channels": [{"amount_msat": 1, "our_amount_msat": 2, "state": "CHANNELD_NORMAL"}]}`)
	if _, err := CLNBalance(bad); !errors.Is(err, domain.ErrBackendProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestCLNFundChannelParams(t *testing.T) {
	peer := domain.PeerURI{PubKey: "02aa"}
	tests := []struct {
		conf int32
		want any
	}{
		{0, nil},
		{1, "urgent"},
		{6, "normal"},
		{144, "slow"},
	}
	for _, tt := range tests {
		params := CLNFundChannelParams(domain.OpenChannelRequest{LocalAmountSat: 50_000, TargetConf: tt.conf}, peer)
		if params["feerate"] != tt.want {
			t.Errorf("conf %d: feerate = %v, want %v", tt.conf, params["feerate"], tt.want)
		}
	}

	params := CLNFundChannelParams(domain.OpenChannelRequest{LocalAmountSat: 50_000, PushAmountSat: 10, Private: true}, peer)
	if params["id"] != "02aa" || params["amount"] != int64(50_000) || params["announce"] != false || params["push_msat"] != int64(10_000) {
		t.Errorf("unexpected params %v", params)
	}
}

func TestCLNForward(t *testing.T) {
	f, err := CLNForward(gjson.Parse(`{
		"in_channel": "103x1x0",
		"out_channel": "104x2x1",
		"in_msat": 1001000,
		"out_msat": 1000000,
		"fee_msat": 1000,
		"status": "settled",
		"resolved_time": 1700000000.5
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.InChannel != "103x1x0" || f.OutChannel != "104x2x1" || f.AmountOutSat != 1000 || f.FeeMsat != 1000 {
		t.Errorf("unexpected forward: %+v", f)
	}
	if f.ResolvedAt.UnixMilli() != 1_700_000_000_500 {
		t.Errorf("ResolvedAt = %v", f.ResolvedAt)
	}

	noFee, err := CLNForward(gjson.Parse(`{"in_channel": "1x1x1", "in_msat": "2000msat", "out_msat": "1500msat"}`))
	if err != nil {
		t.Fatal(err)
	}
	if noFee.FeeMsat != 500 {
		t.Errorf("fee = %d, want 500", noFee.FeeMsat)
	}

	if _, err := CLNForward(gjson.Parse(`{"in_msat": 1}`)); !errors.Is(err, domain.ErrBackendProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestOpenedChannel(t *testing.T) {
	ch := OpenedChannel("", "ab:1", domain.OpenChannelRequest{LocalAmountSat: 1000, PushAmountSat: 100}, domain.PeerURI{PubKey: "02bb"})
	if ch.ID != "ab:1" || ch.State != domain.ChannelStatePending || ch.LocalBalanceSat != 900 || ch.RemoteBalanceSat != 100 || ch.PeerPubKey != "02bb" {
		t.Errorf("unexpected channel: %+v", ch)
	}
}
