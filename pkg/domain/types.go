// Package domain defines the canonical, backend-agnostic Lightning model that
// every adapter translates into and every subscriber receives.
package domain

import (
	"time"
)

// Sat is an amount in satoshis. It is the only unit exposed above the
// translation layer.
type Sat int64

// Msat is an amount in millisatoshis as reported by node daemons.
type Msat int64

// NodeInfo describes the identity and sync status of a node.
type NodeInfo struct {
	PubKey      string `json:"pubkey"`
	Alias       string `json:"alias"`
	Synced      bool   `json:"synced"`
	BlockHeight uint32 `json:"block_height"`
	BlockHash   string `json:"block_hash,omitempty"`
	Version     string `json:"version,omitempty"`
	Network     string `json:"network,omitempty"`
	Backend     string `json:"backend"`
}

type InvoiceState int32

const (
	InvoiceStateUnknown InvoiceState = iota
	InvoiceStateOpen
	InvoiceStateSettled
	InvoiceStateCancelled
	InvoiceStateExpired
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceStateOpen:
		return "open"
	case InvoiceStateSettled:
		return "settled"
	case InvoiceStateCancelled:
		return "cancelled"
	case InvoiceStateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s InvoiceState) Terminal() bool {
	return s == InvoiceStateSettled || s == InvoiceStateCancelled || s == InvoiceStateExpired
}

// Invoice is a payment request issued by the node.
type Invoice struct {
	PaymentHash    string       `json:"payment_hash"`
	PaymentRequest string       `json:"payment_request"`
	AmountSat      Sat          `json:"amount_sat"`
	AmountPaidSat  Sat          `json:"amount_paid_sat,omitempty"`
	Memo           string       `json:"memo,omitempty"`
	State          InvoiceState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	SettledAt      time.Time    `json:"settled_at,omitempty"`
	ExpiresAt      time.Time    `json:"expires_at,omitempty"`
	AddIndex       uint64       `json:"add_index,omitempty"`
	SettleIndex    uint64       `json:"settle_index,omitempty"`
}

type PaymentState int32

const (
	PaymentStateUnknown PaymentState = iota
	PaymentStateInFlight
	PaymentStateSucceeded
	PaymentStateFailed
)

func (s PaymentState) String() string {
	switch s {
	case PaymentStateInFlight:
		return "in_flight"
	case PaymentStateSucceeded:
		return "succeeded"
	case PaymentStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s PaymentState) Terminal() bool {
	return s == PaymentStateSucceeded || s == PaymentStateFailed
}

// Payment is an outgoing payment attempt.
type Payment struct {
	PaymentHash   string       `json:"payment_hash"`
	AmountSat     Sat          `json:"amount_sat"`
	FeeSat        Sat          `json:"fee_sat"`
	State         PaymentState `json:"state"`
	Route         string       `json:"route,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

type ChannelState int32

const (
	ChannelStateUnknown ChannelState = iota
	ChannelStatePending
	ChannelStateActive
	ChannelStateInactive
	ChannelStateClosing
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStatePending:
		return "pending"
	case ChannelStateActive:
		return "active"
	case ChannelStateInactive:
		return "inactive"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s ChannelState) Terminal() bool {
	return s == ChannelStateClosed
}

// Channel is a payment channel with a peer. ID is the backend's short channel
// id when one exists, otherwise the channel point.
type Channel struct {
	ID               string       `json:"id"`
	ChannelPoint     string       `json:"channel_point,omitempty"`
	PeerPubKey       string       `json:"peer_pubkey"`
	PeerAlias        string       `json:"peer_alias,omitempty"`
	CapacitySat      Sat          `json:"capacity_sat"`
	LocalBalanceSat  Sat          `json:"local_balance_sat"`
	RemoteBalanceSat Sat          `json:"remote_balance_sat"`
	State            ChannelState `json:"state"`
}

// Key returns the identity used to track a channel across updates.
func (c *Channel) Key() string {
	if c.ChannelPoint != "" {
		return c.ChannelPoint
	}
	return c.ID
}

type ChainEventType int32

const (
	ChainEventUnknown ChainEventType = iota
	ChainEventNewBlock
	ChainEventMempoolTx
)

func (t ChainEventType) String() string {
	switch t {
	case ChainEventNewBlock:
		return "new_block"
	case ChainEventMempoolTx:
		return "mempool_tx"
	default:
		return "unknown"
	}
}

// NewBlock announces a block connected to the best chain.
type NewBlock struct {
	Height uint32 `json:"height"`
	Hash   string `json:"hash"`
}

// MempoolTx announces a transaction accepted to the mempool.
type MempoolTx struct {
	TxID string `json:"txid"`
	Raw  []byte `json:"raw,omitempty"`
}

// ChainEvent is a tagged union: exactly one of Block or Tx is set, matching Type.
type ChainEvent struct {
	Type  ChainEventType `json:"type"`
	Block *NewBlock      `json:"block,omitempty"`
	Tx    *MempoolTx     `json:"tx,omitempty"`
}

func NewBlockEvent(height uint32, hash string) *ChainEvent {
	return &ChainEvent{Type: ChainEventNewBlock, Block: &NewBlock{Height: height, Hash: hash}}
}

func MempoolTxEvent(txid string, raw []byte) *ChainEvent {
	return &ChainEvent{Type: ChainEventMempoolTx, Tx: &MempoolTx{TxID: txid, Raw: raw}}
}

type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Degraded
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// InvoiceRequest is the input for creating an invoice. AmountSat zero creates
// an any-amount invoice.
type InvoiceRequest struct {
	AmountSat Sat           `json:"amount_sat"`
	Memo      string        `json:"memo,omitempty"`
	Expiry    time.Duration `json:"expiry,omitempty"`
}

// PaymentRequest is the input for paying a BOLT11 invoice. AmountSat is only
// set for any-amount invoices.
type PaymentRequest struct {
	PaymentRequest string        `json:"payment_request"`
	AmountSat      Sat           `json:"amount_sat,omitempty"`
	FeeLimitSat    Sat           `json:"fee_limit_sat,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// CloseRequest identifies a channel to close by id or channel point.
type CloseRequest struct {
	ChannelID string `json:"channel_id"`
	Force     bool   `json:"force,omitempty"`
}

// Cursor is a resume position for backend streams. Zero values mean "from
// now". LND resumes invoices from both indices; CLN uses SettleIndex as the
// waitanyinvoice lastpay_index.
type Cursor struct {
	AddIndex    uint64 `json:"add_index,omitempty"`
	SettleIndex uint64 `json:"settle_index,omitempty"`
}

// Advance returns c with every index raised to at least the one in o.
func (c Cursor) Advance(o Cursor) Cursor {
	if o.AddIndex > c.AddIndex {
		c.AddIndex = o.AddIndex
	}
	if o.SettleIndex > c.SettleIndex {
		c.SettleIndex = o.SettleIndex
	}
	return c
}

func (c Cursor) IsZero() bool {
	return c == Cursor{}
}
