package health

import (
	"fmt"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"kestrel.gg/kestrel/internal/clock"
	"kestrel.gg/kestrel/internal/events"
	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/metrics"
)

// ProbeResult is one node's liveness measurement.
type ProbeResult struct {
	NodeID string        `json:"node_id"`
	Addr   string        `json:"addr"`
	Alive  bool          `json:"alive"`
	RTT    time.Duration `json:"rtt"`
	Loss   float64       `json:"loss"`
	Error  string        `json:"error,omitempty"`
	At     time.Time     `json:"at"`
}

// Prober pings node addresses on an interval and publishes the results.
// It is the panel's out-of-band liveness signal: a node whose control
// channel dropped but still answers ICMP is restarting, not gone.
type Prober struct {
	logger   *logging.Logger
	interval time.Duration
	targets  func() map[string]string // nodeID -> probe address
	hub      *events.Hub

	mu      sync.RWMutex
	results map[string]ProbeResult

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber creates a prober. targets is called before every sweep so
// the node set can change at runtime. An interval <= 0 disables probing:
// Start becomes a no-op.
func NewProber(interval time.Duration, targets func() map[string]string, hub *events.Hub) *Prober {
	return &Prober{
		logger:   logging.WithComponent("prober"),
		interval: interval,
		targets:  targets,
		hub:      hub,
		results:  make(map[string]ProbeResult),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. Disabled probers (interval <= 0) do
// nothing.
func (p *Prober) Start() {
	if p.interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.sweep()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for the current sweep.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Results returns the latest measurement per node.
func (p *Prober) Results() map[string]ProbeResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ProbeResult, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

func (p *Prober) sweep() {
	for nodeID, addr := range p.targets() {
		res := ProbeResult{NodeID: nodeID, Addr: addr, At: clock.Now()}

		rtt, loss, err := pingFunc(addr)
		if err != nil {
			res.Error = err.Error()
			p.logger.Warn("node probe failed", "node", nodeID, "addr", addr, "error", err)
		} else {
			res.Alive = loss < 1.0
			res.RTT = rtt
			res.Loss = loss
		}

		p.mu.Lock()
		p.results[nodeID] = res
		p.mu.Unlock()

		m := metrics.Get()
		m.NodeProbeRTT.WithLabelValues(nodeID).Set(rtt.Seconds())
		m.NodeProbeLoss.WithLabelValues(nodeID).Set(loss)

		if p.hub != nil {
			p.hub.Publish(events.Event{
				Type:      events.EventNodeHealth,
				Timestamp: res.At,
				Source:    nodeID,
				Data:      res,
			})
		}
	}
}

// pingFunc is a seam so tests can avoid real ICMP traffic.
var pingFunc = func(addr string) (time.Duration, float64, error) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return 0, 1.0, fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 3
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return 0, 1.0, err
	}

	stats := pinger.Statistics()
	loss := stats.PacketLoss / 100.0
	return stats.AvgRtt, loss, nil
}
