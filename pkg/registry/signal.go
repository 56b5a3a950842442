package registry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Clear re-arms identity's report signal, so the next Wait only returns on a fresh report.
func (reg *Registry) Clear(identity string) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	e, ok := reg.entries[identity]
	if !ok {
		return errors.Wrapf(ErrNoDevice, "identity %s", identity)
	}
	e.signal.clear()
	return nil
}

// Deliver stores payload as identity's last report, and fires its signal.
func (reg *Registry) Deliver(identity, payload string) error {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	e, ok := reg.entries[identity]
	if !ok {
		return errors.Wrapf(ErrNoDevice, "identity %s", identity)
	}
	e.payload = payload
	e.signal.set()
	return nil
}

// Wait blocks until identity's signal fires, then returns its last report.
// A timeout of 0 or less waits until ctx is done.
// If identity disconnects while waiting, ErrGone is returned.
func (reg *Registry) Wait(ctx context.Context, identity string, timeout time.Duration) (string, error) {
	reg.lock.Lock()
	e, ok := reg.entries[identity]
	if !ok {
		reg.lock.Unlock()
		return "", errors.Wrapf(ErrNoDevice, "identity %s", identity)
	}
	fired := e.signal.ch
	gone := e.gone
	reg.lock.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-fired:
	case <-gone:
		// A report that arrived just before the disconnect still counts.
		select {
		case <-fired:
		default:
			return "", errors.Wrapf(ErrGone, "identity %s", identity)
		}
	case <-expired:
		return "", errors.Wrapf(ErrTimeout, "identity %s after %s", identity, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()
	return e.payload, nil
}
