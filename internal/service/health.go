package service

import (
	"context"
	"net/http"

	"github.com/pvarki/rasenmaeher/internal/manifest"
)

// ProductHealth is one product's reachability result.
type ProductHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthService aggregates reachability of the federation products.
type HealthService struct {
	manifest *manifest.Manifest
	fanout   *Fanout
}

// NewHealthService creates a new health service.
func NewHealthService(m *manifest.Manifest, fanout *Fanout) *HealthService {
	return &HealthService{manifest: m, fanout: fanout}
}

// Services probes every product's healthcheck endpoint and reports
// per-product status plus an overall verdict.
func (s *HealthService) Services(ctx context.Context) (bool, map[string]*ProductHealth) {
	results := s.fanout.Collect(ctx, http.MethodGet, "api/v1/healthcheck", nil)

	allHealthy := true
	statuses := make(map[string]*ProductHealth, len(results))
	for name, res := range results {
		if res == nil {
			allHealthy = false
			statuses[name] = &ProductHealth{Healthy: false, Error: "unreachable"}
			continue
		}
		statuses[name] = &ProductHealth{Healthy: true}
	}
	for _, name := range s.manifest.ProductNames() {
		if _, ok := statuses[name]; !ok {
			allHealthy = false
			statuses[name] = &ProductHealth{Healthy: false, Error: "not probed"}
		}
	}
	return allHealthy, statuses
}
