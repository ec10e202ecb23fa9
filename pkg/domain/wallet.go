package domain

import (
	"strings"
	"time"
)

// PayReq is a decoded BOLT11 payment request.
type PayReq struct {
	PaymentHash     string        `json:"payment_hash"`
	Destination     string        `json:"destination"`
	AmountSat       Sat           `json:"amount_sat"`
	Description     string        `json:"description,omitempty"`
	DescriptionHash string        `json:"description_hash,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Expiry          time.Duration `json:"expiry"`
	MinFinalCLTV    uint32        `json:"min_final_cltv"`
}

// ExpiresAt is zero when the request carries no creation time.
func (p *PayReq) ExpiresAt() time.Time {
	if p.CreatedAt.IsZero() {
		return time.Time{}
	}
	return p.CreatedAt.Add(p.Expiry)
}

// Balance splits a node's funds between the wallet and its channels.
// Pending channel funds belong to channels that are opening or closing.
type Balance struct {
	OnchainConfirmedSat   Sat `json:"onchain_confirmed_sat"`
	OnchainUnconfirmedSat Sat `json:"onchain_unconfirmed_sat"`
	OnchainTotalSat       Sat `json:"onchain_total_sat"`

	ChannelLocalSat         Sat `json:"channel_local_sat"`
	ChannelRemoteSat        Sat `json:"channel_remote_sat"`
	ChannelPendingLocalSat  Sat `json:"channel_pending_local_sat"`
	ChannelPendingRemoteSat Sat `json:"channel_pending_remote_sat"`
}

// PeerURI is a node address in pubkey@host:port form. The host part is
// optional for peers the node can already locate.
type PeerURI struct {
	PubKey string
	Host   string
}

// ParsePeerURI splits uri and checks the pubkey is a 33-byte compressed
// key in hex.
func ParsePeerURI(uri string) (PeerURI, error) {
	uri = strings.TrimSpace(uri)
	pub, host, _ := strings.Cut(uri, "@")
	if len(pub) != 66 || !isHex(pub) {
		return PeerURI{}, Validation("peer uri %q: pubkey must be 66 hex characters", uri)
	}
	if strings.Contains(uri, "@") && host == "" {
		return PeerURI{}, Validation("peer uri %q: empty host", uri)
	}
	return PeerURI{PubKey: strings.ToLower(pub), Host: host}, nil
}

func (u PeerURI) String() string {
	if u.Host == "" {
		return u.PubKey
	}
	return u.PubKey + "@" + u.Host
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// ConnectPeerRequest asks the node to open a p2p connection.
type ConnectPeerRequest struct {
	URI string `json:"uri"`
}

// OpenChannelRequest funds a channel to NodeURI. The node connects to the
// peer first when the URI carries a host.
type OpenChannelRequest struct {
	NodeURI        string `json:"node_uri"`
	LocalAmountSat Sat    `json:"local_amount_sat"`
	PushAmountSat  Sat    `json:"push_amount_sat,omitempty"`
	TargetConf     int32  `json:"target_conf,omitempty"`
	Private        bool   `json:"private,omitempty"`
}

// ListQuery pages through a node's invoices or payments, oldest first.
// Reversed starts from the newest. A zero Limit returns everything after
// Offset.
type ListQuery struct {
	Offset   uint64 `json:"offset,omitempty"`
	Limit    uint64 `json:"limit,omitempty"`
	Reversed bool   `json:"reversed,omitempty"`

	// PendingOnly keeps open invoices.
	PendingOnly bool `json:"pending_only,omitempty"`

	// IncludeIncomplete keeps in-flight and failed payments.
	IncludeIncomplete bool `json:"include_incomplete,omitempty"`
}

// Page applies q's ordering and window to items, which must be oldest
// first.
func Page[T any](items []T, q ListQuery) []T {
	out := make([]T, len(items))
	copy(out, items)
	if q.Reversed {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if q.Offset >= uint64(len(out)) {
		return out[:0]
	}
	out = out[q.Offset:]
	if q.Limit > 0 && q.Limit < uint64(len(out)) {
		out = out[:q.Limit]
	}
	return out
}

// Forward is an HTLC the node relayed and settled.
type Forward struct {
	InChannel    string    `json:"in_channel"`
	OutChannel   string    `json:"out_channel"`
	AmountInSat  Sat       `json:"amount_in_sat"`
	AmountOutSat Sat       `json:"amount_out_sat"`
	FeeMsat      Msat      `json:"fee_msat"`
	ResolvedAt   time.Time `json:"resolved_at"`
}
