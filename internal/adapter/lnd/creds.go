package lnd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc/credentials"

	"github.com/marko911/lnpulse/internal/adapter"
)

// macaroonCredential attaches a hex macaroon to every call.
type macaroonCredential struct {
	hex string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.hex}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// loadMacaroon returns the macaroon as hex. A file holds raw bytes; an
// inline value may be hex or base64.
func loadMacaroon(cfg adapter.Config) (string, error) {
	if cfg.MacaroonPath != "" {
		raw, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return "", fmt.Errorf("read macaroon: %w", err)
		}
		return hex.EncodeToString(raw), nil
	}
	mac := strings.TrimSpace(cfg.MacaroonHex)
	if mac == "" {
		return "", nil
	}
	if _, err := hex.DecodeString(mac); err == nil {
		return mac, nil
	}
	if b, err := base64.StdEncoding.DecodeString(mac); err == nil {
		return hex.EncodeToString(b), nil
	}
	return "", fmt.Errorf("macaroon is neither hex nor base64")
}

func transportCredentials(cfg adapter.Config) (credentials.TransportCredentials, error) {
	if cfg.TLSCertPath == "" {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}), nil
	}
	pem, err := os.ReadFile(cfg.TLSCertPath)
	if err != nil {
		return nil, fmt.Errorf("read tls cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("invalid tls certificate %s", cfg.TLSCertPath)
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}
