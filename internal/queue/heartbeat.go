package queue

import (
	"sync"
	"time"
)

// heartbeatPeriod is the fixed SSE keep-alive tick.
const heartbeatPeriod = 3 * time.Second

// Heartbeat is a per-Task SSE keep-alive ticker: a goroutine driving
// onTick every period until stopped, running state guarded by a mutex.
type Heartbeat struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewHeartbeat returns a stopped Heartbeat.
func NewHeartbeat() *Heartbeat { return &Heartbeat{} }

// Start begins ticking, calling onTick every 3 seconds until Stop is
// called. A second Start call while already running is a no-op.
func (h *Heartbeat) Start(onTick func()) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	stopCh := h.stopCh
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				onTick()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the ticker. It belongs in the guaranteed-release scope around
// every streaming Task; calls after the first (or before any Start) are
// no-ops.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}
