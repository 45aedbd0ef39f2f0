package netstatus

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Probe feeds the machine with a periodic reachability check against
// the hub's health endpoint. It stands in for a platform connectivity
// signal where none is available.
type Probe struct {
	machine    *Machine
	httpClient *http.Client
	url        string
	interval   time.Duration
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewProbe creates a probe for the given hub base URL.
func NewProbe(machine *Machine, baseURL string, interval time.Duration, logger *zap.Logger) *Probe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Probe{
		machine:    machine,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        strings.TrimSuffix(baseURL, "/") + "/health",
		interval:   interval,
		logger:     logger,
	}
}

// Start launches the probe loop with an immediate first check.
func (p *Probe) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.check(ctx)
		for {
			select {
			case <-ticker.C:
				p.check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (p *Probe) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Probe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("build health request", zap.Error(err))
		return
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.machine.SetOnline(false)
		return
	}
	_ = resp.Body.Close()
	p.machine.SetOnline(resp.StatusCode >= 200 && resp.StatusCode <= 299)
}
