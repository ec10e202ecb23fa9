// Package adapter defines the contract every Lightning backend implements.
// Variants live in sub-packages: lnd (gRPC), cln (clnrest) and replay (a
// simulated node for development and tests).
package adapter

import (
	"context"
	"time"

	"github.com/marko911/lnpulse/pkg/domain"
)

// Variant names.
const (
	VariantLND    = "lnd"
	VariantCLN    = "cln"
	VariantReplay = "replay"
)

// Cursor is the resume position passed to Subscribe.
type Cursor = domain.Cursor

// Backend is one Lightning node. Every error returned is a *domain.Error.
type Backend interface {
	// Name is the source name stamped on events, unique per gateway.
	Name() string

	Variant() string

	Connect(ctx context.Context) error

	Close() error

	// Ping is a cheap liveness call used by health checks.
	Ping(ctx context.Context) error

	GetInfo(ctx context.Context) (*domain.NodeInfo, error)

	CreateInvoice(ctx context.Context, req domain.InvoiceRequest) (*domain.Invoice, error)

	SendPayment(ctx context.Context, req domain.PaymentRequest) (*domain.Payment, error)

	ListChannels(ctx context.Context) ([]domain.Channel, error)

	// CloseChannel starts a cooperative or forced close and returns the
	// closing transaction id when the node reports one.
	CloseChannel(ctx context.Context, req domain.CloseRequest) (string, error)

	// OpenChannel connects to the peer when the URI has a host, funds the
	// channel and returns it in the pending state.
	OpenChannel(ctx context.Context, req domain.OpenChannelRequest) (*domain.Channel, error)

	ConnectPeer(ctx context.Context, uri domain.PeerURI) error

	DecodePayRequest(ctx context.Context, payReq string) (*domain.PayReq, error)

	WalletBalance(ctx context.Context) (*domain.Balance, error)

	ListInvoices(ctx context.Context, q domain.ListQuery) ([]domain.Invoice, error)

	ListPayments(ctx context.Context, q domain.ListQuery) ([]domain.Payment, error)

	// Subscribe opens a server-pushed stream. The subscription is lazy and
	// cannot be restarted: once it ends a new one must be issued.
	Subscribe(ctx context.Context, kind domain.StreamKind, from Cursor) (Subscription, error)
}

// Subscription is a live stream of canonical events. Events is closed when
// the stream ends; Err then yields the cause, or nothing on Unsubscribe.
type Subscription interface {
	Events() <-chan *domain.Event

	Err() <-chan error

	Unsubscribe()
}

// Config holds the settings shared by all variants. Variant-specific fields
// are ignored by the others.
type Config struct {
	Name    string `yaml:"name"`
	Variant string `yaml:"variant"`

	// Endpoint is host:port for lnd and a base URL for cln.
	Endpoint string `yaml:"endpoint"`

	TLSCertPath string `yaml:"tls_cert_path"`

	// MacaroonPath or MacaroonHex authenticate lnd calls.
	MacaroonPath string `yaml:"macaroon_path"`
	MacaroonHex  string `yaml:"macaroon_hex"`

	// Rune authenticates clnrest calls.
	Rune string `yaml:"rune"`

	// InsecureSkipVerify disables certificate checks when no cert is given.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// PollInterval paces the cln channel and payment pollers.
	PollInterval time.Duration `yaml:"poll_interval"`

	// FixturePath is a JSON-lines file replayed by the replay variant.
	FixturePath string `yaml:"fixture_path"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
	}
}
