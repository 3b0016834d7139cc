package session

import (
	"context"
	"time"
)

type monitorLoop struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// StartMonitor begins re-validating an authenticated session every
// RecheckInterval. Calling it while the monitor runs does nothing.
func (m *Manager) StartMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitor != nil || m.disposed {
		return
	}
	loop := &monitorLoop{stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	m.monitor = loop
	go m.runMonitor(loop)
	m.logger.Info("session monitor started", "interval", m.cfg.RecheckInterval)
}

// StopMonitor stops the monitor and waits for an in-flight check to finish.
func (m *Manager) StopMonitor() {
	m.mu.Lock()
	loop := m.monitor
	m.monitor = nil
	m.mu.Unlock()
	if loop == nil {
		return
	}
	close(loop.stopCh)
	<-loop.doneCh
	m.logger.Info("session monitor stopped")
}

func (m *Manager) runMonitor(loop *monitorLoop) {
	defer close(loop.doneCh)

	ticker := time.NewTicker(m.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.recheck(loop)
		case <-loop.stopCh:
			return
		}
	}
}

// recheck re-runs the session check unless the session is signed out or an
// operation is already running.
func (m *Manager) recheck(loop *monitorLoop) {
	if !m.Status().IsAuthenticated {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-loop.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx, done, err := m.begin(ctx, "recheck", false)
	if err != nil {
		m.logger.Debug("skipping session recheck", "error", err)
		return
	}
	defer done()
	if !m.checkAuth(ctx) {
		m.logger.Info("session recheck ended the session", "state", m.Status().State)
	}
}
