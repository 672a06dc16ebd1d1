package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/store"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency of the node.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// StatusUpdater receives component health transitions.
type StatusUpdater interface {
	UpdateHealthStatus(component string, healthy bool)
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(component string, success bool)

// HealthChecker runs periodic probes and reports a component as degraded
// after FailThreshold consecutive failures.
type HealthChecker struct {
	probes     []Probe
	updater    StatusUpdater
	failCounts map[string]int
	mu         sync.Mutex
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new HealthChecker. updater may be nil.
func New(probes []Probe, updater StatusUpdater, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &HealthChecker{
		probes:     probes,
		updater:    updater,
		failCounts: make(map[string]int),
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the health check loop until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	h.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and records the outcomes.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name(), err)
		}(p)
	}
	wg.Wait()
}

func (h *HealthChecker) record(name string, err error) {
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(name, success)
	}

	h.mu.Lock()
	prevCount := h.failCounts[name]
	if success {
		h.failCounts[name] = 0
	} else {
		h.failCounts[name]++
	}
	count := h.failCounts[name]
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("component", name))
		h.update(name, true)
	case success && prevCount == 0:
		h.update(name, true)
	case count == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("component", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		h.update(name, false)
	}
}

func (h *HealthChecker) update(name string, healthy bool) {
	if h.updater != nil {
		h.updater.UpdateHealthStatus(name, healthy)
	}
}

// Healthy reports whether no component has reached the failure threshold.
func (h *HealthChecker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.failCounts {
		if n >= h.cfg.FailThreshold {
			return false
		}
	}
	return true
}

// ── Probes ───────────────────────────────────────────────────────────────

const probeTxID = "00000000-0000-0000-0000-000000000000"

type storeProbe struct {
	s store.Store
}

// StoreProbe checks that the store answers a state lookup.
func StoreProbe(s store.Store) Probe { return storeProbe{s: s} }

func (storeProbe) Name() string { return "store" }

func (p storeProbe) Check(ctx context.Context) error {
	_, err := p.s.State(ctx, probeTxID)
	if err == nil || errors.Is(err, store.ErrTxNotFound) {
		return nil
	}
	return err
}

type httpProbe struct {
	name     string
	endpoint string
	client   *http.Client
}

// HTTPProbe checks that endpoint answers with a 2xx status, trying HEAD
// before GET.
func HTTPProbe(name, endpoint string) Probe {
	return httpProbe{name: name, endpoint: endpoint, client: &http.Client{}}
}

func (p httpProbe) Name() string { return p.name }

func (p httpProbe) Check(ctx context.Context) error {
	if p.try(ctx, http.MethodHead) == nil {
		return nil
	}
	return p.try(ctx, http.MethodGet)
}

func (p httpProbe) try(ctx context.Context, method string) error {
	req, err := http.NewRequestWithContext(ctx, method, p.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, p.endpoint, resp.StatusCode)
	}
	return nil
}
