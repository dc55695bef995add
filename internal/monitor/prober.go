package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Prober feeds the monitor's connectivity level from periodic HEAD requests
// against the remote base URL. Headless hosts without an OS-level network
// signal run one of these; embedded hosts call SetOnline directly.
type Prober struct {
	monitor  *Monitor
	client   *http.Client
	url      string
	interval time.Duration
	logger   zerolog.Logger
}

func NewProber(m *Monitor, client *http.Client, url string, interval time.Duration, logger zerolog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Prober{monitor: m, client: client, url: url, interval: interval, logger: logger}
}

// Start probes until ctx is done. The first probe runs immediately so the
// engine does not wait a full interval for the initial level.
func (p *Prober) Start(ctx context.Context) {
	p.monitor.SetOnline(p.probe(ctx))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.monitor.SetOnline(p.probe(ctx))
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("build probe request")
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	// Any response proves reachability; auth failures are not connectivity.
	return true
}
