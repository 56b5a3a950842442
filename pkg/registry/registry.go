// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package registry tracks the ranging devices connected to rangerd.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNoDevice is returned when an index or identity is not registered.
	ErrNoDevice = errors.New("no such device")

	// ErrTimeout is returned by Wait when the device did not report in time.
	ErrTimeout = errors.New("timed out waiting for report")

	// ErrGone is returned by Wait when the device disconnected while being waited on.
	ErrGone = errors.New("device disconnected")
)

// A Channel carries messages to one device.
type Channel interface {
	Send(msg string) error
	Close() error
	String() string
}

// signal is a one-shot wakeup for a device's next report.
// It is only touched with the registry locked.
type signal struct {
	fired bool
	ch    chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) set() {
	if !s.fired {
		s.fired = true
		close(s.ch)
	}
}

func (s *signal) clear() {
	if s.fired {
		s.fired = false
		s.ch = make(chan struct{})
	}
}

// entry holds everything the registry knows about one identity.
type entry struct {
	channel Channel
	signal  *signal
	payload string
	gone    chan struct{} // Closed when the identity is unregistered
}

// Registry is the single source of truth for which device holds which index.
// The ordered identity list and the per-identity state change together under one lock.
type Registry struct {
	lock       sync.Mutex // Protects the entire registry
	identities []string
	entries    map[string]*entry

	// changed is closed and replaced whenever membership changes.
	changed chan struct{}

	createdTime    time.Time
	maxDevices     int
	maxDevicesTime time.Time
}

// New creates an empty registry.
func New() *Registry {
	now := time.Now()
	return &Registry{
		entries:        make(map[string]*entry),
		changed:        make(chan struct{}),
		createdTime:    now,
		maxDevicesTime: now,
	}
}

// Register adds identity to the end of the connection order, and returns its index.
// If identity is already registered, its index is unchanged and its channel is refreshed.
func (reg *Registry) Register(identity string, ch Channel) int {
	index, _ := reg.RegisterReplacing(identity, ch)
	return index
}

// RegisterReplacing behaves like Register,
// but also returns the channel that was bound to identity before, if any.
// The caller owns the displaced channel, and should close it.
func (reg *Registry) RegisterReplacing(identity string, ch Channel) (index int, displaced Channel) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if e, ok := reg.entries[identity]; ok {
		displaced = e.channel
		if displaced == ch {
			displaced = nil
		}
		e.channel = ch
		return reg.indexOf(identity), displaced
	}

	reg.identities = append(reg.identities, identity)
	reg.entries[identity] = &entry{
		channel: ch,
		signal:  newSignal(),
		gone:    make(chan struct{}),
	}
	if len(reg.identities) > reg.maxDevices {
		reg.maxDevices = len(reg.identities)
		reg.maxDevicesTime = time.Now()
	}
	reg.notify()
	return len(reg.identities) - 1, nil
}

// Unregister removes identity from the registry.
// It returns false if identity was not registered.
func (reg *Registry) Unregister(identity string) bool {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	return reg.remove(identity)
}

// UnregisterChannel removes identity only if ch is still its bound channel.
// A worker whose channel was displaced by a reconnect cannot remove the new connection.
func (reg *Registry) UnregisterChannel(identity string, ch Channel) bool {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	e, ok := reg.entries[identity]
	if !ok || e.channel != ch {
		return false
	}
	return reg.remove(identity)
}

func (reg *Registry) remove(identity string) bool {
	e, ok := reg.entries[identity]
	if !ok {
		return false
	}

	for i, id := range reg.identities {
		if id == identity {
			reg.identities = append(reg.identities[:i], reg.identities[i+1:]...)
			break
		}
	}
	delete(reg.entries, identity)
	close(e.gone)
	reg.notify()
	return true
}

// notify wakes everyone waiting on a membership change.
// The registry must be locked.
func (reg *Registry) notify() {
	close(reg.changed)
	reg.changed = make(chan struct{})
}

// IndexOf returns the current index of identity.
func (reg *Registry) IndexOf(identity string) (int, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	index := reg.indexOf(identity)
	return index, index >= 0
}

func (reg *Registry) indexOf(identity string) int {
	for i, id := range reg.identities {
		if id == identity {
			return i
		}
	}
	return -1
}

// ChannelAt returns the channel of the device at index.
func (reg *Registry) ChannelAt(index int) (Channel, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if index < 0 || index >= len(reg.identities) {
		return nil, false
	}
	return reg.entries[reg.identities[index]].channel, true
}

// IdentityAt returns the identity of the device at index.
func (reg *Registry) IdentityAt(index int) (string, bool) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	if index < 0 || index >= len(reg.identities) {
		return "", false
	}
	return reg.identities[index], true
}

// A Binding pairs an identity with its channel, as one snapshot.
type Binding struct {
	Identity   string
	Channel    Channel
	LastReport string
}

// Bindings returns every registered device in connection order.
// Each identity is read together with its channel under one lock.
func (reg *Registry) Bindings() []Binding {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	bindings := make([]Binding, 0, len(reg.identities))
	for _, id := range reg.identities {
		e := reg.entries[id]
		bindings = append(bindings, Binding{
			Identity:   id,
			Channel:    e.channel,
			LastReport: e.payload,
		})
	}
	return bindings
}

// Identities returns the registered identities in connection order.
func (reg *Registry) Identities() []string {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	ids := make([]string, len(reg.identities))
	copy(ids, reg.identities)
	return ids
}

// Size returns the number of registered devices.
func (reg *Registry) Size() int {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	return len(reg.identities)
}

// SendTo sends msg to the device at index.
// The channel is resolved under the lock, but the send happens outside of it.
func (reg *Registry) SendTo(index int, msg string) error {
	ch, ok := reg.ChannelAt(index)
	if !ok {
		return errors.Wrapf(ErrNoDevice, "index %d", index)
	}
	if err := ch.Send(msg); err != nil {
		return errors.Wrapf(err, "send to %s", ch)
	}
	return nil
}

// Send sends msg to the device registered as identity, wherever it is in the order.
func (reg *Registry) Send(identity, msg string) error {
	reg.lock.Lock()
	e, ok := reg.entries[identity]
	var ch Channel
	if ok {
		ch = e.channel
	}
	reg.lock.Unlock()

	if !ok {
		return errors.Wrapf(ErrNoDevice, "identity %s", identity)
	}
	if err := ch.Send(msg); err != nil {
		return errors.Wrapf(err, "send to %s", ch)
	}
	return nil
}

// WaitForSize blocks until exactly n devices are registered, or ctx is done.
func (reg *Registry) WaitForSize(ctx context.Context, n int) error {
	for {
		reg.lock.Lock()
		size := len(reg.identities)
		changed := reg.changed
		reg.lock.Unlock()

		if size == n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Changed returns a channel that is closed on the next membership change.
func (reg *Registry) Changed() <-chan struct{} {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	return reg.changed
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime         time.Duration `json:"uptime"`
	NumDevices     int           `json:"num_devices"`
	MaxDevices     int           `json:"max_devices"`
	MaxDevicesTime time.Time     `json:"max_devices_at"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	return Stats{
		Uptime:         time.Since(reg.createdTime),
		NumDevices:     len(reg.identities),
		MaxDevices:     reg.maxDevices,
		MaxDevicesTime: reg.maxDevicesTime,
	}
}
