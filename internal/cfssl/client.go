// Package cfssl is a thin client for the external CA's JSON API. It covers
// the endpoint set {sign, revoke, info, crl, bundle} plus the OCSP refresh
// side-channel. Two connection variants exist: anonymous (used only by
// bootstrap to obtain RM's own mTLS certificate) and mTLS-authenticated
// (everything else).
package cfssl

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/crypto"
	"github.com/pvarki/rasenmaeher/internal/errs"
)

// CFSSLError wraps any transport or CA-side failure. It carries the CA's
// message when one was returned. All CFSSLErrors are errs.ErrBackend.
type CFSSLError struct {
	Op      string
	Message string
}

func (e *CFSSLError) Error() string {
	return fmt.Sprintf("cfssl %s: %s", e.Op, e.Message)
}

// Unwrap makes every CFSSLError match errs.ErrBackend.
func (e *CFSSLError) Unwrap() error {
	return errs.ErrBackend
}

// Client talks to the CFSSL JSON API.
type Client struct {
	baseURL string
	ocspURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an anonymous CFSSL client. Bootstrap uses this variant to
// self-submit RM's CSR before any mTLS identity exists.
func New(baseURL, ocspURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		ocspURL: strings.TrimRight(ocspURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// NewMTLS creates a CFSSL client that authenticates with RM's own
// certificate.
func NewMTLS(baseURL, ocspURL string, timeout time.Duration, tlsConfig *tls.Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		ocspURL: strings.TrimRight(ocspURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		logger: logger,
	}
}

// apiResponse is the CFSSL response envelope. A missing or empty result, or
// a non-empty errors list, is a failure.
type apiResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []apiError      `json:"errors"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, op, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	method := http.MethodPost
	if payload == nil {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &CFSSLError{Op: op, Message: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &CFSSLError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CFSSLError{Op: op, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CFSSLError{Op: op, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &CFSSLError{Op: op, Message: fmt.Sprintf("bad response: %v", err)}
	}
	if len(envelope.Errors) > 0 {
		return nil, &CFSSLError{Op: op, Message: envelope.Errors[0].Message}
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil, &CFSSLError{Op: op, Message: "empty result"}
	}

	return envelope.Result, nil
}

// Sign submits a PEM CSR and returns the signed certificate PEM.
func (c *Client) Sign(ctx context.Context, csrPEM []byte) ([]byte, error) {
	result, err := c.call(ctx, "sign", "/api/v1/cfssl/sign", map[string]any{
		"certificate_request": string(csrPEM),
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Certificate string `json:"certificate"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Certificate == "" {
		return nil, &CFSSLError{Op: "sign", Message: "result has no certificate"}
	}
	return []byte(parsed.Certificate), nil
}

// Revoke revokes the certificate in certPEM. Reason accepts a canonical
// name or an RFC 5280 code.
func (c *Client) Revoke(ctx context.Context, certPEM []byte, reason any) error {
	code, err := ResolveReason(reason)
	if err != nil {
		return err
	}

	cert, err := crypto.ParseCertificatePEM(certPEM)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	_, err = c.call(ctx, "revoke", "/api/v1/cfssl/revoke", map[string]any{
		"serial":           cert.SerialNumber.String(),
		"authority_key_id": hex.EncodeToString(cert.AuthorityKeyId),
		"reason":           code,
	})
	return err
}

// Info returns the CA certificate chain PEM.
func (c *Client) Info(ctx context.Context) ([]byte, error) {
	result, err := c.call(ctx, "info", "/api/v1/cfssl/info", map[string]any{})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Certificate string `json:"certificate"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Certificate == "" {
		return nil, &CFSSLError{Op: "info", Message: "result has no certificate"}
	}
	return []byte(parsed.Certificate), nil
}

// CRL fetches the current certificate revocation list as DER bytes.
func (c *Client) CRL(ctx context.Context) ([]byte, error) {
	result, err := c.call(ctx, "crl", "/api/v1/cfssl/crl", nil)
	if err != nil {
		return nil, err
	}

	var b64 string
	if err := json.Unmarshal(result, &b64); err != nil {
		return nil, &CFSSLError{Op: "crl", Message: "result is not a string"}
	}
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &CFSSLError{Op: "crl", Message: fmt.Sprintf("bad base64: %v", err)}
	}
	return der, nil
}

// Bundle returns the certificate chain bundle for the given certificate.
func (c *Client) Bundle(ctx context.Context, certPEM []byte) ([]byte, error) {
	result, err := c.call(ctx, "bundle", "/api/v1/cfssl/bundle", map[string]any{
		"certificate": string(certPEM),
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Bundle string `json:"bundle"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Bundle == "" {
		return nil, &CFSSLError{Op: "bundle", Message: "result has no bundle"}
	}
	return []byte(parsed.Bundle), nil
}

// RefreshOCSP asks the OCSP responder side-channel to regenerate its
// responses. When no OCSP URL is configured the call is a no-op.
func (c *Client) RefreshOCSP(ctx context.Context) error {
	if c.ocspURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ocspURL+"/api/v1/refresh", nil)
	if err != nil {
		return &CFSSLError{Op: "ocsp refresh", Message: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &CFSSLError{Op: "ocsp refresh", Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CFSSLError{Op: "ocsp refresh", Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return nil
}
