// Package cln is the clnrest backend for Core Lightning nodes.
package cln

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/marko911/lnpulse/internal/translate"
	"github.com/marko911/lnpulse/pkg/domain"
)

const maxErrorBody = 300

// rpcError is a JSON-RPC error returned by the node. Data carries the
// command specific error payload.
type rpcError struct {
	Code    int64
	Message string
	Data    gjson.Result
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("cln error %d: %s", e.Code, e.Message)
}

func newHTTPClient(certPath string, insecure bool) (*http.Client, error) {
	transport := &http.Transport{}

	if certPath != "" {
		pem, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("read tls cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("invalid root certificate")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: caCertPool}
	} else if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{Transport: transport}, nil
}

// post calls a clnrest method and returns the decoded result. Node errors
// come back as *rpcError so callers can inspect the code; transport errors
// are already mapped onto the canonical taxonomy.
func (c *Client) post(ctx context.Context, method string, body []byte) (gjson.Result, error) {
	c.mu.RLock()
	hc := c.http
	c.mu.RUnlock()
	if hc == nil {
		return gjson.Result{}, domain.Unavailable(nil, "not connected")
	}

	if body == nil {
		body = []byte("{}")
	}
	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, domain.Validation("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Rune != "" {
		req.Header.Set("Rune", c.cfg.Rune)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return gjson.Result{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, transportError(ctx, err)
	}

	if resp.StatusCode >= 300 {
		r := gjson.ParseBytes(b)
		if r.Get("code").Exists() {
			return gjson.Result{}, &rpcError{
				Code:    r.Get("code").Int(),
				Message: r.Get("message").String(),
				Data:    r.Get("data"),
			}
		}
		text := string(b)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return gjson.Result{}, domain.Validation("call to cln rejected (%d): %s", resp.StatusCode, text)
		}
		if resp.StatusCode >= 500 {
			return gjson.Result{}, domain.Unavailable(nil, "call to cln failed (%d): %s", resp.StatusCode, text)
		}
		return gjson.Result{}, domain.Protocol(nil, "call to cln failed (%d): %s", resp.StatusCode, text)
	}

	if !gjson.ValidBytes(b) {
		return gjson.Result{}, domain.Protocol(nil, "%s: invalid json response", method)
	}
	return gjson.ParseBytes(b), nil
}

// mapError converts whatever post returned into a canonical error.
func mapError(err error) error {
	var re *rpcError
	if errors.As(err, &re) {
		return translate.CLNError(re.Code, re.Message)
	}
	return err
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Timeout(err, "cln request")
	}
	return domain.Unavailable(err, "cln request")
}
