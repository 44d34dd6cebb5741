package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultHealthInterval is how often the monitor polls /health.
const DefaultHealthInterval = 5 * time.Second

// ConnectionState summarises API reachability.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// ConnectionStatus is the latest health observation. Version is empty when
// the API could not be reached.
type ConnectionStatus struct {
	State     ConnectionState
	Version   string
	CheckedAt time.Time
}

// Label renders the status for a status bar.
func (s ConnectionStatus) Label() string {
	switch s.State {
	case StateConnected:
		if s.Version != "" {
			return "Connected v" + s.Version
		}
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Connecting..."
	}
}

type healthChecker interface {
	Health(ctx context.Context) (*Health, error)
}

// HealthMonitor polls the API health endpoint on a fixed interval.
type HealthMonitor struct {
	checker  healthChecker
	interval time.Duration

	mu      sync.RWMutex
	status  ConnectionStatus
	updates chan ConnectionStatus
}

// NewHealthMonitor creates a monitor. A non-positive interval uses DefaultHealthInterval.
func NewHealthMonitor(checker healthChecker, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthMonitor{
		checker:  checker,
		interval: interval,
		status:   ConnectionStatus{State: StateConnecting},
		updates:  make(chan ConnectionStatus, 1),
	}
}

// Status returns the latest observation.
func (m *HealthMonitor) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Updates delivers the latest status after each check. Unread values are
// replaced by newer ones.
func (m *HealthMonitor) Updates() <-chan ConnectionStatus {
	return m.updates
}

// Run checks immediately and then every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs a single health check and publishes the result.
func (m *HealthMonitor) Check(ctx context.Context) ConnectionStatus {
	checkCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	health, err := m.checker.Health(checkCtx)
	status := ConnectionStatus{State: StateDisconnected, CheckedAt: time.Now()}
	if err != nil {
		log.WithField("component", "health").Debugf("health check failed: %v", err)
	} else {
		status.Version = health.Version
		if health.OK() {
			status.State = StateConnected
		}
	}
	m.publish(status)
	return status
}

func (m *HealthMonitor) publish(status ConnectionStatus) {
	m.mu.Lock()
	previous := m.status.State
	m.status = status
	m.mu.Unlock()
	if previous != status.State {
		log.WithField("component", "health").Infof("api %s", status.State)
	}
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- status:
	default:
	}
}
