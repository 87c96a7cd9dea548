package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pvarki/rasenmaeher/internal/manifest"
)

// UserCRUDRequest is the body RM sends to product integration APIs on user
// lifecycle events.
type UserCRUDRequest struct {
	UUID     string `json:"uuid"`
	Callsign string `json:"callsign"`
	X509Cert string `json:"x509cert"`
}

// OperationResultResponse is the response shape product integration APIs
// return for user lifecycle events.
type OperationResultResponse struct {
	Success bool            `json:"success"`
	Extra   json.RawMessage `json:"extra,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ocspRefresher is the CA side-channel contacted before each fan-out.
type ocspRefresher interface {
	RefreshOCSP(ctx context.Context) error
}

// ocspDebounce bounds how often the pre-fan-out OCSP refresh actually hits
// the responder. A fan-out always observes a refresh started no earlier
// than this window before it.
const ocspDebounce = 30 * time.Second

// Fanout performs parallel mTLS calls to every product in the manifest.
// Per-target failures are logged and isolated; they never abort the other
// targets or propagate to the caller.
type Fanout struct {
	manifest *manifest.Manifest
	client   *http.Client
	timeout  time.Duration
	ocsp     ocspRefresher
	logger   *zap.Logger

	// background tasks are tracked so Close can drain them
	wg sync.WaitGroup

	ocspMu      sync.Mutex
	lastRefresh time.Time
}

// NewFanout creates a Fanout dialing with RM's mTLS identity.
func NewFanout(m *manifest.Manifest, tlsConfig *tls.Config, timeout time.Duration, ocsp ocspRefresher, logger *zap.Logger) *Fanout {
	return &Fanout{
		manifest: m,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		timeout: timeout,
		ocsp:    ocsp,
		logger:  logger,
	}
}

// Close waits for all fire-and-forget tasks to finish.
func (f *Fanout) Close() {
	f.wg.Wait()
}

// refreshOCSP performs the debounced best-effort OCSP refresh.
func (f *Fanout) refreshOCSP(ctx context.Context) {
	if f.ocsp == nil {
		return
	}

	f.ocspMu.Lock()
	due := time.Since(f.lastRefresh) >= ocspDebounce
	if due {
		f.lastRefresh = time.Now()
	}
	f.ocspMu.Unlock()
	if !due {
		return
	}

	if err := f.ocsp.RefreshOCSP(ctx); err != nil {
		f.logger.Warn("OCSP refresh failed", zap.Error(err))
	}
}

// Collect calls suffix on every product and gathers the parsed responses
// into a map keyed by product name. Failed targets map to nil.
func (f *Fanout) Collect(ctx context.Context, method, suffix string, body any) map[string]*OperationResultResponse {
	f.refreshOCSP(ctx)

	results := make(map[string]*OperationResultResponse, len(f.manifest.Products))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range f.manifest.ProductNames() {
		product := f.manifest.Products[name]
		wg.Add(1)
		go func(name string, product manifest.Product) {
			defer wg.Done()
			result := f.callOne(ctx, method, product.API+suffix, body)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, product)
	}

	wg.Wait()
	return results
}

// FireAndForget schedules the fan-out on background tasks and returns
// immediately. The tasks are supervised by the Fanout's wait group so that
// handler return does not orphan them.
func (f *Fanout) FireAndForget(method, suffix string, body any) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout+time.Second)
		defer cancel()
		f.Collect(ctx, method, suffix, body)
	}()
}

// callOne performs a single product call. Any failure (timeout, connection
// error, non-2xx, schema mismatch) is logged and yields nil.
func (f *Fanout) callOne(ctx context.Context, method, url string, body any) *OperationResultResponse {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.logger.Error("Failed to marshal fan-out body", zap.String("url", url), zap.Error(err))
			return nil
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		f.logger.Warn("Failed to build fan-out request", zap.String("url", url), zap.Error(err))
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("Product call failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.logger.Warn("Failed to read product response", zap.String("url", url), zap.Error(err))
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.logger.Warn("Product returned error status",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil
	}

	var result OperationResultResponse
	if err := json.Unmarshal(data, &result); err != nil {
		f.logger.Warn("Product response did not match schema", zap.String("url", url), zap.Error(err))
		return nil
	}
	return &result
}

// UserEvent fans a user lifecycle event out to every product without
// blocking the caller.
func (f *Fanout) UserEvent(event string, req *UserCRUDRequest) {
	method := http.MethodPost
	if event == "updated" {
		method = http.MethodPut
	}
	f.FireAndForget(method, fmt.Sprintf("api/v1/users/%s", event), req)
}
