package idp

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
)

// StartRenewal starts the background loop that renews the federated tokens
// every RenewalInterval. It is a no-op when the adapter is disabled or the
// loop already runs.
func (a *Adapter) StartRenewal() {
	if !a.enabled {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.renewal != nil {
		return
	}

	loop := &renewalLoop{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	a.renewal = loop
	go a.runRenewal(loop)

	a.logger.Info("federated renewal started",
		"interval", a.cfg.RenewalInterval,
		"min_validity", a.cfg.MinValidity,
	)
}

// StopRenewal stops the loop and waits for it to exit. Safe to call when
// the loop is not running.
func (a *Adapter) StopRenewal() {
	a.mu.Lock()
	loop := a.renewal
	a.renewal = nil
	a.mu.Unlock()

	if loop == nil {
		return
	}
	close(loop.stopCh)
	<-loop.doneCh
	a.logger.Info("federated renewal stopped")
}

// RenewalRunning reports whether the loop is active.
func (a *Adapter) RenewalRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renewal != nil
}

func (a *Adapter) runRenewal(loop *renewalLoop) {
	defer close(loop.doneCh)

	ticker := time.NewTicker(a.cfg.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !a.renewTick(loop) {
				return
			}
		case <-loop.stopCh:
			return
		}
	}
}

// renewTick reports whether the loop should keep going.
func (a *Adapter) renewTick(loop *renewalLoop) bool {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RenewalTimeout)
	defer cancel()

	held, _, err := a.store.Read(ctx, credstore.KeyFederatedRefresh)
	if err == nil {
		_, err = a.Renew(ctx, a.cfg.MinValidity)
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSuperseded):
		// Whoever replaced the session decides what happens to the loop.
		return true
	}

	a.mu.Lock()
	if a.renewal != loop {
		// Stopped while the renewal was in flight.
		a.mu.Unlock()
		return false
	}
	a.renewal = nil
	handler := a.onFailure
	a.mu.Unlock()

	a.logger.Warn("federated renewal failed, ending federated session", "err", err)
	wipe, _ := credstore.Cleared(credstore.ScopeFederated)
	cleared, clearErr := a.store.CompareAndWrite(context.Background(),
		credstore.Set{credstore.KeyFederatedRefresh: held}, wipe)
	switch {
	case clearErr != nil:
		a.logger.Error("clear federated tokens failed", "err", clearErr)
	case !cleared:
		a.logger.Info("federated session replaced after failed renewal, leaving it alone")
		return false
	}
	if handler != nil {
		handler(err)
	}
	return false
}
