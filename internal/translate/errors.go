package translate

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/marko911/lnpulse/pkg/domain"
)

// GRPCError maps a gRPC error onto the canonical taxonomy.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Timeout(err, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return domain.Unavailable(err, "call cancelled")
	}

	st, ok := status.FromError(err)
	if !ok {
		return transportError(err)
	}
	msg := st.Message()
	switch st.Code() {
	case codes.Unavailable, codes.Aborted:
		return domain.Unavailable(err, "%s", msg)
	case codes.DeadlineExceeded:
		return domain.Timeout(err, "%s", msg)
	case codes.InvalidArgument, codes.OutOfRange, codes.AlreadyExists, codes.FailedPrecondition:
		return domain.Validation("%s", msg)
	case codes.Unimplemented:
		return domain.Unsupported("%s", msg)
	case codes.Canceled:
		return domain.Unavailable(err, "%s", msg)
	case codes.Unknown, codes.Internal:
		if strings.Contains(msg, "RST_STREAM") || strings.Contains(msg, "transport is closing") {
			return domain.Unavailable(err, "%s", msg)
		}
		if isValidationMessage(msg) {
			return domain.Validation("%s", msg)
		}
	}
	return domain.Protocol(err, "%s", msg)
}

func transportError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.Timeout(err, "transport timeout")
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return domain.Unavailable(err, "transport")
	}
	return domain.Protocol(err, "unclassified")
}

// CLN JSON-RPC error codes.
const (
	clnInvalidParams      = -32602
	clnMethodNotFound     = -32601
	clnPayInProgress      = 200
	clnPayRhashUsed       = 201
	clnPayUnparseable     = 202
	clnPayDestPermFail    = 203
	clnPayRouteNotFound   = 205
	clnPayTooExpensive    = 206
	clnPayInvoiceExpired  = 207
	clnPayStopped         = 210
	clnInvoiceLabelUsed   = 900
	clnInvoiceWaitTimeout = 904
)

// CLNError maps an error object returned by a CLN node. code is the
// JSON-RPC error code and msg its message.
func CLNError(code int64, msg string) error {
	switch code {
	case clnInvalidParams, clnPayUnparseable, clnPayRhashUsed, clnInvoiceLabelUsed, clnPayInvoiceExpired:
		return domain.Validation("%s", msg)
	case clnMethodNotFound:
		return domain.Unsupported("%s", msg)
	case clnInvoiceWaitTimeout:
		return domain.Timeout(nil, "%s", msg)
	}
	if isValidationMessage(msg) {
		return domain.Validation("%s", msg)
	}
	// connect reports an unreachable peer as a plain error.
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "connection timed out") || strings.Contains(lower, "connection refused") {
		return domain.Timeout(nil, "%s", msg)
	}
	return domain.Protocol(nil, "cln error %d: %s", code, msg)
}

// AlreadyConnected reports whether a connect error only says the peer is
// connected already.
func AlreadyConnected(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already connected")
}

// CLNPaymentFailed reports whether a pay error code describes a definitive
// payment failure rather than a call failure.
func CLNPaymentFailed(code int64) bool {
	switch code {
	case clnPayDestPermFail, clnPayRouteNotFound, clnPayTooExpensive, clnPayStopped:
		return true
	}
	return false
}

var validationMessages = []string{
	"invalid bolt11",
	"invalid payment request",
	"amount_msat parameter required",
	"amount_msat parameter unnecessary",
	"amount must be specified",
	"could not parse destination address",
	"channel is in state",
	"unknown channel",
	"invoice expired",
	"already paid",
	"no address known for peer",
	"all addresses failed",
	"is not online",
	"not enough witness outputs",
	"insufficient funds",
	"cannot afford fee",
}

func isValidationMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range validationMessages {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
