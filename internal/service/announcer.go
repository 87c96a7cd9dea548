package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Announcer periodically tells the federation registry where this
// deployment lives. Failures are logged and retried on the next tick.
type Announcer struct {
	url        string
	dns        string
	deployment string
	interval   time.Duration
	client     *http.Client
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnnouncer creates an announcer. An empty url disables it.
func NewAnnouncer(url, dns, deployment string, interval time.Duration, client *http.Client, logger *zap.Logger) *Announcer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Announcer{
		url:        url,
		dns:        dns,
		deployment: deployment,
		interval:   interval,
		client:     client,
		logger:     logger,
	}
}

// Start launches the announcement loop. It announces once immediately and
// then on every interval tick until Stop is called.
func (a *Announcer) Start() {
	if a.url == "" {
		a.logger.Info("Announcer disabled, no registry URL configured")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		a.announce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.announce(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (a *Announcer) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Announcer) announce(ctx context.Context) {
	body, err := json.Marshal(map[string]string{
		"dns":        a.dns,
		"deployment": a.deployment,
	})
	if err != nil {
		a.logger.Error("Failed to encode announcement", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("Failed to build announcement request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("Announcement failed", zap.String("url", a.url), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.Warn("Announcement rejected",
			zap.String("url", a.url), zap.String("status", fmt.Sprintf("%d", resp.StatusCode)))
		return
	}
	a.logger.Debug("Announcement delivered", zap.String("url", a.url))
}
