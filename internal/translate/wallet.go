package translate

import (
	"time"

	decodepay "github.com/fiatjaf/ln-decodepay"

	"github.com/marko911/lnpulse/pkg/domain"
)

// DecodeBolt11 decodes a payment request locally, without a node.
func DecodeBolt11(payReq string) (*domain.PayReq, error) {
	b, err := decodepay.Decodepay(payReq)
	if err != nil {
		return nil, domain.Validation("invalid bolt11: %v", err)
	}
	if b.PaymentHash == "" {
		return nil, domain.Validation("invalid bolt11: missing payment hash")
	}
	return &domain.PayReq{
		PaymentHash:     b.PaymentHash,
		Destination:     b.Payee,
		AmountSat:       MsatToSat(domain.Msat(b.MSatoshi)),
		Description:     b.Description,
		DescriptionHash: b.DescriptionHash,
		CreatedAt:       unixTime(int64(b.CreatedAt)),
		Expiry:          time.Duration(b.Expiry) * time.Second,
		MinFinalCLTV:    uint32(b.MinFinalCLTVExpiry),
	}, nil
}

// OpenedChannel is the Pending channel a successful open reports before
// the node's channel stream catches up.
func OpenedChannel(id, point string, req domain.OpenChannelRequest, peer domain.PeerURI) *domain.Channel {
	if id == "" {
		id = point
	}
	return &domain.Channel{
		ID:               id,
		ChannelPoint:     point,
		PeerPubKey:       peer.PubKey,
		CapacitySat:      req.LocalAmountSat,
		LocalBalanceSat:  req.LocalAmountSat - req.PushAmountSat,
		RemoteBalanceSat: req.PushAmountSat,
		State:            domain.ChannelStatePending,
	}
}
