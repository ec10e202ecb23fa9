package cln

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	decodepay "github.com/fiatjaf/ln-decodepay"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

// forceCloseTimeout is how long a forced close negotiates before going
// unilateral. Zero waits for the peer indefinitely.
const forceCloseTimeout = 120

// Client talks to one Core Lightning node through clnrest.
type Client struct {
	cfg    adapter.Config
	logger *slog.Logger
	now    func() time.Time

	// InvoiceWaitTimeout bounds one waitanyinvoice long-poll.
	InvoiceWaitTimeout time.Duration

	mu   sync.RWMutex
	http *http.Client

	pollMu         sync.Mutex
	channels       map[string]domain.Channel
	channelsSeeded bool
	payments       map[string]domain.Payment
	paymentsSeeded bool

	// Keys whose last listing could not be translated. A gap is sent when
	// a key joins the set.
	badChannels map[string]bool
	badPayments map[string]bool
}

func New(cfg adapter.Config, logger *slog.Logger) *Client {
	if cfg.Name == "" {
		cfg.Name = adapter.VariantCLN
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = adapter.DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:                cfg,
		logger:             logger.With("backend", cfg.Name, "variant", adapter.VariantCLN),
		now:                time.Now,
		InvoiceWaitTimeout: 60 * time.Second,
		channels:           make(map[string]domain.Channel),
		payments:           make(map[string]domain.Payment),
		badChannels:        make(map[string]bool),
		badPayments:        make(map[string]bool),
	}
}

func (c *Client) Name() string    { return c.cfg.Name }
func (c *Client) Variant() string { return adapter.VariantCLN }

func (c *Client) fail(err error, op string) error {
	return domain.WithOp(mapError(err), c.cfg.Name, op)
}

// Connect builds the HTTP client and verifies the node answers getinfo.
func (c *Client) Connect(ctx context.Context) error {
	hc, err := newHTTPClient(c.cfg.TLSCertPath, c.cfg.InsecureSkipVerify)
	if err != nil {
		return c.fail(domain.Validation("%v", err), "connect")
	}

	c.mu.Lock()
	old := c.http
	c.http = hc
	c.mu.Unlock()
	if old != nil {
		old.CloseIdleConnections()
	}

	if _, err := c.post(ctx, "getinfo", nil); err != nil {
		c.mu.Lock()
		c.http = nil
		c.mu.Unlock()
		return c.fail(err, "connect")
	}
	c.logger.Info("connected", "endpoint", c.cfg.Endpoint)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	hc := c.http
	c.http = nil
	c.mu.Unlock()
	if hc != nil {
		hc.CloseIdleConnections()
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.post(ctx, "getinfo", nil); err != nil {
		return c.fail(err, "ping")
	}
	return nil
}

func (c *Client) GetInfo(ctx context.Context) (*domain.NodeInfo, error) {
	r, err := c.post(ctx, "getinfo", nil)
	if err != nil {
		return nil, c.fail(err, "get_info")
	}
	info, err := translate.CLNNodeInfo(r)
	if err != nil {
		return nil, c.fail(err, "get_info")
	}
	return info, nil
}

// CreateInvoice labels every invoice with a fresh uuid; CLN requires labels
// to be unique.
func (c *Client) CreateInvoice(ctx context.Context, req domain.InvoiceRequest) (*domain.Invoice, error) {
	params, err := translate.CLNInvoiceParams(req, uuid.NewString())
	if err != nil {
		return nil, c.fail(err, "create_invoice")
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, c.fail(domain.Validation("encode invoice: %v", err), "create_invoice")
	}
	r, err := c.post(ctx, "invoice", body)
	if err != nil {
		return nil, c.fail(err, "create_invoice")
	}
	inv, err := translate.CLNCreatedInvoice(r, req, c.now())
	if err != nil {
		return nil, c.fail(err, "create_invoice")
	}
	return inv, nil
}

// SendPayment runs pay to completion. Definitive routing failures are a
// Failed payment, not an error.
func (c *Client) SendPayment(ctx context.Context, req domain.PaymentRequest) (*domain.Payment, error) {
	params, err := translate.CLNPayParams(req)
	if err != nil {
		return nil, c.fail(err, "send_payment")
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, c.fail(domain.Validation("encode pay: %v", err), "send_payment")
	}

	r, err := c.post(ctx, "pay", body)
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) && translate.CLNPaymentFailed(re.Code) {
			hash := ""
			if bolt11, derr := decodepay.Decodepay(req.PaymentRequest); derr == nil {
				hash = bolt11.PaymentHash
			}
			return translate.CLNFailedPayment(re.Data, hash, re.Message), nil
		}
		return nil, c.fail(err, "send_payment")
	}
	p, err := translate.CLNPayment(r)
	if err != nil {
		return nil, c.fail(err, "send_payment")
	}
	return p, nil
}

func (c *Client) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	r, err := c.post(ctx, "listpeerchannels", nil)
	if err != nil {
		return nil, c.fail(err, "list_channels")
	}
	entries := r.Get("channels").Array()
	out := make([]domain.Channel, 0, len(entries))
	for _, e := range entries {
		ch, err := translate.CLNChannel(e)
		if err != nil {
			return nil, c.fail(err, "list_channels")
		}
		out = append(out, *ch)
	}
	return out, nil
}

// CloseChannel closes by short channel id, channel id or peer id. A forced
// close goes unilateral if the peer does not negotiate in time.
func (c *Client) CloseChannel(ctx context.Context, req domain.CloseRequest) (string, error) {
	if req.ChannelID == "" {
		return "", c.fail(domain.Validation("channel id is required"), "close_channel")
	}
	body, _ := sjson.Set("{}", "id", req.ChannelID)
	if req.Force {
		body, _ = sjson.Set(body, "unilateraltimeout", forceCloseTimeout)
	}

	r, err := c.post(ctx, "close", []byte(body))
	if err != nil {
		return "", c.fail(err, "close_channel")
	}
	switch r.Get("type").String() {
	case "mutual", "unilateral":
		return r.Get("txid").String(), nil
	case "unopened":
		return "", c.fail(domain.Validation("channel is not open yet"), "close_channel")
	}
	return "", c.fail(domain.Protocol(nil, "unknown close type %q", r.Get("type").String()), "close_channel")
}

var _ adapter.Backend = (*Client)(nil)
