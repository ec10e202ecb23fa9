package gateway

import (
	"context"
	"strings"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/pkg/domain"
)

// DecodeRequest carries the payment request for decodePayRequest.
type DecodeRequest struct {
	PayReq string `json:"pay_req"`
}

// ConnectResult is the result of a connectPeer call.
type ConnectResult struct {
	PubKey string `json:"pub_key"`
}

func (g *Gateway) DecodePayRequest(ctx context.Context, backend, payReq string) (*domain.PayReq, error) {
	payReq = strings.TrimSpace(payReq)
	if payReq == "" {
		return nil, domain.WithOp(domain.Validation("payment request is required"), backend, "decode_pay_request")
	}
	return run(ctx, g, backend, "decode_pay_request", func(ctx context.Context, b adapter.Backend) (*domain.PayReq, error) {
		return b.DecodePayRequest(ctx, payReq)
	})
}

func (g *Gateway) WalletBalance(ctx context.Context, backend string) (*domain.Balance, error) {
	return run(ctx, g, backend, "wallet_balance", func(ctx context.Context, b adapter.Backend) (*domain.Balance, error) {
		return b.WalletBalance(ctx)
	})
}

func (g *Gateway) ConnectPeer(ctx context.Context, backend, uri string) error {
	peer, err := domain.ParsePeerURI(uri)
	if err != nil {
		return domain.WithOp(err, backend, "connect_peer")
	}
	_, err = run(ctx, g, backend, "connect_peer", func(ctx context.Context, b adapter.Backend) (struct{}, error) {
		return struct{}{}, b.ConnectPeer(ctx, peer)
	})
	return err
}

// OpenChannel validates the amounts and the peer URI before any I/O.
func (g *Gateway) OpenChannel(ctx context.Context, backend string, req domain.OpenChannelRequest) (*domain.Channel, error) {
	if err := validateOpen(req); err != nil {
		return nil, domain.WithOp(err, backend, "open_channel")
	}
	return run(ctx, g, backend, "open_channel", func(ctx context.Context, b adapter.Backend) (*domain.Channel, error) {
		return b.OpenChannel(ctx, req)
	})
}

func validateOpen(req domain.OpenChannelRequest) error {
	if _, err := domain.ParsePeerURI(req.NodeURI); err != nil {
		return err
	}
	switch {
	case req.LocalAmountSat <= 0:
		return domain.Validation("local amount must be positive")
	case req.PushAmountSat < 0:
		return domain.Validation("push amount must not be negative")
	case req.PushAmountSat >= req.LocalAmountSat:
		return domain.Validation("push amount must be below the local amount")
	case req.TargetConf < 0:
		return domain.Validation("target confirmations must not be negative")
	}
	return nil
}

func (g *Gateway) ListInvoices(ctx context.Context, backend string, q domain.ListQuery) ([]domain.Invoice, error) {
	return run(ctx, g, backend, "list_invoices", func(ctx context.Context, b adapter.Backend) ([]domain.Invoice, error) {
		return b.ListInvoices(ctx, q)
	})
}

func (g *Gateway) ListPayments(ctx context.Context, backend string, q domain.ListQuery) ([]domain.Payment, error) {
	return run(ctx, g, backend, "list_payments", func(ctx context.Context, b adapter.Backend) ([]domain.Payment, error) {
		return b.ListPayments(ctx, q)
	})
}
