package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	decodepay "github.com/fiatjaf/ln-decodepay"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/connmgr"
	"github.com/marko911/lnpulse/internal/delivery/session"
	"github.com/marko911/lnpulse/internal/delivery/subscription"
	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

type callerKey struct{}

// WithCaller attaches an already authenticated caller identity to ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller identity carried by ctx, or "".
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

// run executes one call-through on the named backend and logs the outcome
// against the caller.
func run[T any](ctx context.Context, g *Gateway, backend, op string, fn func(ctx context.Context, b adapter.Backend) (T, error)) (T, error) {
	m, err := g.Manager(backend)
	if err != nil {
		var zero T
		return zero, domain.WithOp(err, backend, op)
	}
	start := time.Now()
	out, err := connmgr.Call(ctx, m, op, fn)
	if err != nil {
		g.logger.Warn("call failed",
			"caller", CallerFrom(ctx),
			"backend", backend,
			"op", op,
			"kind", domain.KindOf(err).String(),
			"error", err,
		)
		return out, err
	}
	g.logger.Debug("call completed",
		"caller", CallerFrom(ctx),
		"backend", backend,
		"op", op,
		"duration", time.Since(start),
	)
	return out, nil
}

func (g *Gateway) GetNodeInfo(ctx context.Context, backend string) (*domain.NodeInfo, error) {
	return run(ctx, g, backend, "get_info", func(ctx context.Context, b adapter.Backend) (*domain.NodeInfo, error) {
		return b.GetInfo(ctx)
	})
}

// CreateInvoice validates req before any I/O. An empty memo and a zero
// (any-amount) value are allowed.
func (g *Gateway) CreateInvoice(ctx context.Context, backend string, req domain.InvoiceRequest) (*domain.Invoice, error) {
	if req.AmountSat < 0 {
		return nil, domain.WithOp(domain.Validation("amount must not be negative"), backend, "create_invoice")
	}
	if req.Expiry < 0 {
		return nil, domain.WithOp(domain.Validation("expiry must not be negative"), backend, "create_invoice")
	}
	return run(ctx, g, backend, "create_invoice", func(ctx context.Context, b adapter.Backend) (*domain.Invoice, error) {
		return b.CreateInvoice(ctx, req)
	})
}

// SendPayment validates the payment request before any I/O. Failed
// payments are returned as payments in the Failed state, not as errors.
func (g *Gateway) SendPayment(ctx context.Context, backend string, req domain.PaymentRequest) (*domain.Payment, error) {
	if err := g.validatePayment(backend, req); err != nil {
		return nil, domain.WithOp(err, backend, "send_payment")
	}
	return run(ctx, g, backend, "send_payment", func(ctx context.Context, b adapter.Backend) (*domain.Payment, error) {
		return b.SendPayment(ctx, req)
	})
}

func (g *Gateway) validatePayment(backend string, req domain.PaymentRequest) error {
	pr := strings.TrimSpace(req.PaymentRequest)
	if pr == "" {
		return domain.Validation("payment request is required")
	}
	if req.AmountSat < 0 || req.FeeLimitSat < 0 || req.Timeout < 0 {
		return domain.Validation("amounts and timeout must not be negative")
	}

	// The simulator issues its own opaque requests.
	if m, ok := g.managers[backend]; ok && m.Backend().Variant() == adapter.VariantReplay {
		return nil
	}

	bolt11, err := decodepay.Decodepay(pr)
	if err != nil {
		return domain.Validation("invalid bolt11: %v", err)
	}
	invoiceAmount := translate.MsatToSat(domain.Msat(bolt11.MSatoshi))
	switch {
	case invoiceAmount == 0 && req.AmountSat == 0:
		return domain.Validation("amount required for an any-amount invoice")
	case invoiceAmount > 0 && req.AmountSat > 0 && req.AmountSat != invoiceAmount:
		return domain.Validation("amount unnecessary: invoice is for %d sat", invoiceAmount)
	}
	return nil
}

func (g *Gateway) ListChannels(ctx context.Context, backend string) ([]domain.Channel, error) {
	return run(ctx, g, backend, "list_channels", func(ctx context.Context, b adapter.Backend) ([]domain.Channel, error) {
		return b.ListChannels(ctx)
	})
}

// CloseChannel returns the closing transaction id when the node reports one.
func (g *Gateway) CloseChannel(ctx context.Context, backend string, req domain.CloseRequest) (string, error) {
	if strings.TrimSpace(req.ChannelID) == "" {
		return "", domain.WithOp(domain.Validation("channel id is required"), backend, "close_channel")
	}
	return run(ctx, g, backend, "close_channel", func(ctx context.Context, b adapter.Backend) (string, error) {
		return b.CloseChannel(ctx, req)
	})
}

// CloseResult is the result of a closeChannel call.
type CloseResult struct {
	ClosingTxID string `json:"closing_txid,omitempty"`
}

// Call dispatches a call-through by method name with JSON arguments, for
// transports that forward requests generically.
func (g *Gateway) Call(ctx context.Context, backend, method string, args json.RawMessage) (any, error) {
	decode := func(v any) error {
		if len(args) == 0 {
			return nil
		}
		if err := json.Unmarshal(args, v); err != nil {
			return domain.WithOp(domain.Validation("decode %s arguments: %v", method, err), backend, method)
		}
		return nil
	}

	switch method {
	case "getInfo", "getNodeInfo":
		return g.GetNodeInfo(ctx, backend)

	case "createInvoice":
		var req domain.InvoiceRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return g.CreateInvoice(ctx, backend, req)

	case "sendPayment":
		var req domain.PaymentRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return g.SendPayment(ctx, backend, req)

	case "listChannels":
		return g.ListChannels(ctx, backend)

	case "closeChannel":
		var req domain.CloseRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		txid, err := g.CloseChannel(ctx, backend, req)
		if err != nil {
			return nil, err
		}
		return CloseResult{ClosingTxID: txid}, nil

	case "decodePayRequest":
		var req DecodeRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return g.DecodePayRequest(ctx, backend, req.PayReq)

	case "walletBalance":
		return g.WalletBalance(ctx, backend)

	case "connectPeer":
		var req domain.ConnectPeerRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		if err := g.ConnectPeer(ctx, backend, req.URI); err != nil {
			return nil, err
		}
		peer, _ := domain.ParsePeerURI(req.URI)
		return ConnectResult{PubKey: peer.PubKey}, nil

	case "openChannel":
		var req domain.OpenChannelRequest
		if err := decode(&req); err != nil {
			return nil, err
		}
		return g.OpenChannel(ctx, backend, req)

	case "listInvoices":
		var q domain.ListQuery
		if err := decode(&q); err != nil {
			return nil, err
		}
		return g.ListInvoices(ctx, backend, q)

	case "listPayments":
		var q domain.ListQuery
		if err := decode(&q); err != nil {
			return nil, err
		}
		return g.ListPayments(ctx, backend, q)

	default:
		return nil, domain.WithOp(domain.Unsupported("method %q", method), backend, method)
	}
}

// Subscribe registers a session for clientID. A session already held by
// the same client is replaced. The session is cancelled when ctx is done.
func (g *Gateway) Subscribe(ctx context.Context, clientID string, filter subscription.Filter) (*session.Session, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, domain.Validation("client id is required")
	}
	known := make(map[string]bool)
	for _, s := range g.Sources() {
		known[s] = true
	}
	for _, s := range filter.Sources {
		if !known[s] {
			return nil, domain.Validation("unknown source %q", s)
		}
	}

	s := g.bus.Subscribe(clientID, filter, 0)
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.Done():
		}
	}()

	g.logger.Info("client subscribed",
		"caller", CallerFrom(ctx),
		"client_id", clientID,
		"session_id", s.ID(),
	)
	return s, nil
}

// Unsubscribe cancels the session held by clientID.
func (g *Gateway) Unsubscribe(clientID string) bool {
	return g.bus.Unsubscribe(clientID)
}
