// Package lnd is the gRPC backend for LND nodes.
package lnd

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	decodepay "github.com/fiatjaf/ln-decodepay"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

const (
	defaultInvoiceExpiry  = 24 * time.Hour
	defaultPaymentTimeout = 60 * time.Second
	minFeeLimitSat        = 10
	maxRecvMsgSize        = 50 * 1024 * 1024
)

// Client talks to one LND node over gRPC.
type Client struct {
	cfg    adapter.Config
	logger *slog.Logger
	extra  []grpc.DialOption
	now    func() time.Time

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient
}

// New creates a client. Extra dial options are applied last, so they can
// replace the transport (tests dial an in-memory listener this way).
func New(cfg adapter.Config, logger *slog.Logger, opts ...grpc.DialOption) *Client {
	if cfg.Name == "" {
		cfg.Name = adapter.VariantLND
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("backend", cfg.Name, "variant", adapter.VariantLND),
		extra:  opts,
		now:    time.Now,
	}
}

func (c *Client) Name() string    { return c.cfg.Name }
func (c *Client) Variant() string { return adapter.VariantLND }

// Connect dials the node and verifies it answers GetInfo. A connection
// from an earlier Connect is closed first, so at most one transport is live.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Close(); err != nil {
		c.logger.Debug("closing previous connection", "error", err)
	}

	creds, err := transportCredentials(c.cfg)
	if err != nil {
		return c.fail(domain.Validation("%v", err), "connect")
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
	}
	mac, err := loadMacaroon(c.cfg)
	if err != nil {
		return c.fail(domain.Validation("%v", err), "connect")
	}
	if mac != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(macaroonCredential{hex: mac}))
	}
	opts = append(opts, c.extra...)

	conn, err := grpc.NewClient(c.cfg.Endpoint, opts...)
	if err != nil {
		return c.fail(domain.Unavailable(err, "dial %s", c.cfg.Endpoint), "connect")
	}
	ln := lnrpc.NewLightningClient(conn)
	if _, err := ln.GetInfo(ctx, &lnrpc.GetInfoRequest{}); err != nil {
		conn.Close()
		return c.fail(translate.GRPCError(err), "connect")
	}

	c.mu.Lock()
	c.conn = conn
	c.ln = ln
	c.router = routerrpc.NewRouterClient(conn)
	c.mu.Unlock()

	c.logger.Info("connected", "endpoint", c.cfg.Endpoint)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.ln, c.router = nil, nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) clients(op string) (lnrpc.LightningClient, routerrpc.RouterClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ln == nil {
		return nil, nil, c.fail(domain.Unavailable(nil, "not connected"), op)
	}
	return c.ln, c.router, nil
}

func (c *Client) fail(err error, op string) error {
	return domain.WithOp(translate.GRPCError(err), c.cfg.Name, op)
}

func (c *Client) Ping(ctx context.Context) error {
	ln, _, err := c.clients("ping")
	if err != nil {
		return err
	}
	if _, err := ln.GetInfo(ctx, &lnrpc.GetInfoRequest{}); err != nil {
		return c.fail(err, "ping")
	}
	return nil
}

func (c *Client) GetInfo(ctx context.Context) (*domain.NodeInfo, error) {
	ln, _, err := c.clients("get_info")
	if err != nil {
		return nil, err
	}
	resp, err := ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, c.fail(err, "get_info")
	}
	info, err := translate.LNDNodeInfo(resp)
	if err != nil {
		return nil, c.fail(err, "get_info")
	}
	return info, nil
}

func (c *Client) CreateInvoice(ctx context.Context, req domain.InvoiceRequest) (*domain.Invoice, error) {
	ln, _, err := c.clients("create_invoice")
	if err != nil {
		return nil, err
	}
	in, err := translate.LNDInvoiceRequest(req)
	if err != nil {
		return nil, c.fail(err, "create_invoice")
	}
	resp, err := ln.AddInvoice(ctx, in)
	if err != nil {
		return nil, c.fail(err, "create_invoice")
	}
	if len(resp.RHash) == 0 || resp.PaymentRequest == "" {
		return nil, c.fail(domain.Protocol(nil, "add invoice: missing hash or payment request"), "create_invoice")
	}

	expiry := req.Expiry
	if expiry <= 0 {
		expiry = defaultInvoiceExpiry
	}
	now := c.now().UTC()
	return &domain.Invoice{
		PaymentHash:    hex.EncodeToString(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		AmountSat:      req.AmountSat,
		Memo:           req.Memo,
		State:          domain.InvoiceStateOpen,
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiry).Truncate(time.Second),
		AddIndex:       resp.AddIndex,
	}, nil
}

// SendPayment pays a BOLT11 invoice and waits for the final outcome. A
// payment the network rejects is returned in the Failed state, not as an
// error.
func (c *Client) SendPayment(ctx context.Context, req domain.PaymentRequest) (*domain.Payment, error) {
	_, router, err := c.clients("send_payment")
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultPaymentTimeout
	}
	feeLimit := req.FeeLimitSat
	if feeLimit <= 0 {
		feeLimit = defaultFeeLimit(req)
	}

	stream, err := router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest:    req.PaymentRequest,
		Amt:               int64(req.AmountSat),
		FeeLimitSat:       int64(feeLimit),
		TimeoutSeconds:    int32(timeout / time.Second),
		NoInflightUpdates: true,
	})
	if err != nil {
		return nil, c.fail(err, "send_payment")
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			return nil, c.fail(err, "send_payment")
		}
		if update.Status == lnrpc.Payment_IN_FLIGHT || update.Status == lnrpc.Payment_INITIATED {
			continue
		}
		p, err := translate.LNDPayment(update)
		if err != nil {
			return nil, c.fail(err, "send_payment")
		}
		return p, nil
	}
}

// defaultFeeLimit allows one percent of the amount, at least minFeeLimitSat.
func defaultFeeLimit(req domain.PaymentRequest) domain.Sat {
	amount := req.AmountSat
	if amount == 0 {
		if bolt11, err := decodepay.Decodepay(req.PaymentRequest); err == nil {
			amount = translate.MsatToSat(domain.Msat(bolt11.MSatoshi))
		}
	}
	if fee := amount / 100; fee > minFeeLimitSat {
		return fee
	}
	return minFeeLimitSat
}

func (c *Client) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	ln, _, err := c.clients("list_channels")
	if err != nil {
		return nil, err
	}
	open, err := ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, c.fail(err, "list_channels")
	}
	pending, err := ln.PendingChannels(ctx, &lnrpc.PendingChannelsRequest{})
	if err != nil {
		return nil, c.fail(err, "list_channels")
	}

	out := make([]domain.Channel, 0, len(open.Channels))
	for _, ch := range open.Channels {
		dc, err := translate.LNDChannel(ch)
		if err != nil {
			return nil, c.fail(err, "list_channels")
		}
		out = append(out, *dc)
	}
	return append(out, translate.LNDPendingChannels(pending)...), nil
}

// CloseChannel accepts a channel point or a numeric channel id and returns
// the closing txid from the first pending update.
func (c *Client) CloseChannel(ctx context.Context, req domain.CloseRequest) (string, error) {
	ln, _, err := c.clients("close_channel")
	if err != nil {
		return "", err
	}
	point, err := c.resolveChannelPoint(ctx, ln, req.ChannelID)
	if err != nil {
		return "", c.fail(err, "close_channel")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := ln.CloseChannel(ctx, &lnrpc.CloseChannelRequest{ChannelPoint: point, Force: req.Force})
	if err != nil {
		return "", c.fail(err, "close_channel")
	}
	for {
		update, err := stream.Recv()
		if err != nil {
			return "", c.fail(err, "close_channel")
		}
		var txid []byte
		switch u := update.Update.(type) {
		case *lnrpc.CloseStatusUpdate_ClosePending:
			txid = u.ClosePending.GetTxid()
		case *lnrpc.CloseStatusUpdate_ChanClose:
			txid = u.ChanClose.GetClosingTxid()
		default:
			continue
		}
		h, err := chainhash.NewHash(txid)
		if err != nil {
			return "", c.fail(domain.Protocol(err, "closing txid"), "close_channel")
		}
		return h.String(), nil
	}
}

func (c *Client) resolveChannelPoint(ctx context.Context, ln lnrpc.LightningClient, id string) (*lnrpc.ChannelPoint, error) {
	chanID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return translate.ParseLNDChannelPoint(id)
	}
	resp, err := ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, err
	}
	for _, ch := range resp.Channels {
		if ch.ChanId == chanID {
			return translate.ParseLNDChannelPoint(ch.ChannelPoint)
		}
	}
	return nil, domain.Validation("unknown channel %s", id)
}

var _ adapter.Backend = (*Client)(nil)
