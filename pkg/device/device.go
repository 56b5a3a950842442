// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package device implements the text protocol spoken by ranging devices.
package device

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const sendBuffSize = 10 // Buffer size of channel for sending data to devices

// Protocol tokens.
const (
	// QueryID asks the server for the sender's current index.
	QueryID = "/id"

	// RoleTag and RoleAnchor are sent to assign a device its role.
	RoleTag    = "tag"
	RoleAnchor = "anchor"
)

// ErrStopped is returned when sending to a device that was stopped.
var ErrStopped = errors.New("device stopped")

// A Handler reacts to messages received from a device.
type Handler interface {
	// Query answers a QueryID message. The reply is sent back to the device.
	Query(d *Device) (string, error)

	// Report receives every other message.
	Report(d *Device, payload string)
}

// Config controls how a Device frames its traffic.
type Config struct {
	// Delimiter terminates messages in both directions.
	// If empty, DefaultDelimiter is used.
	Delimiter string

	// MaxMessageSize is the largest message accepted from the device.
	// If 0, DefaultMaxMessageSize is used.
	MaxMessageSize int

	// IdleTimeout drops a device that sends nothing for this long.
	// If 0, devices are never dropped for being idle.
	IdleTimeout time.Duration

	Log *logrus.Logger
}

// Device is one connected ranging device.
// Messages passed to Send are framed and written by a dedicated goroutine.
type Device struct {
	Identity string

	conn   net.Conn
	send   chan string
	done   chan struct{} // Closed when the device is stopped
	config Config
	log    *logrus.Logger

	lock          sync.Mutex // Protects stoppedReason, lastSeen
	stoppedReason string
	lastSeen      time.Time
}

// New wraps conn, and starts writing messages passed to Send.
// Call Serve to read from the device.
func New(conn net.Conn, identity string, config Config) *Device {
	if config.Delimiter == "" {
		config.Delimiter = DefaultDelimiter
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	log := config.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	d := &Device{
		Identity: identity,
		conn:     conn,
		send:     make(chan string, sendBuffSize),
		done:     make(chan struct{}),
		config:   config,
		log:      log,
		lastSeen: time.Now(),
	}
	go d.write()
	return d
}

// write receives messages on the device's send channel, frames them, and writes them to the device.
func (d *Device) write() {
	for {
		select {
		case msg := <-d.send:
			if _, err := d.conn.Write(Frame(msg, d.config.Delimiter)); err != nil {
				d.log.WithFields(logrus.Fields{
					"device": d,
					"error":  err,
				}).Warn("Error writing to device")
				// Serve sees the stop and returns; the socket stays open
				// until the server has unregistered the device.
				d.Stop("Send error")
				return
			}
		case <-d.done:
			return
		}
	}
}

// Serve reads messages from the device until it disconnects or is stopped,
// passing them to h. The returned error explains why reading ended.
func (d *Device) Serve(h Handler) error {
	scanner := bufio.NewScanner(d.conn)
	maxToken := d.config.MaxMessageSize + len(d.config.Delimiter)
	initial := 512
	if initial > maxToken {
		initial = maxToken
	}
	scanner.Buffer(make([]byte, 0, initial), maxToken)
	scanner.Split(splitDelimited([]byte(d.config.Delimiter)))

	for {
		d.lock.Lock()
		if d.Stopped() {
			d.lock.Unlock()
			break
		}
		if d.config.IdleTimeout > 0 {
			d.conn.SetReadDeadline(time.Now().Add(d.config.IdleTimeout))
		}
		d.lock.Unlock()
		if !scanner.Scan() {
			break
		}
		d.lock.Lock()
		d.lastSeen = time.Now()
		d.lock.Unlock()

		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			continue
		}
		if msg == QueryID {
			reply, err := h.Query(d)
			if err != nil {
				d.log.WithFields(logrus.Fields{
					"device": d,
					"error":  err,
				}).Warn("Cannot answer query")
				continue
			}
			if err := d.Send(reply); err != nil {
				return errors.Wrap(err, "Reply to query")
			}
			continue
		}
		h.Report(d, msg)
	}

	err := scanner.Err()
	switch {
	case d.Stopped():
		return errors.Wrap(ErrStopped, d.Reason())
	case err == nil:
		d.Stop("Device disconnected")
		return nil
	case isTimeout(err) && d.config.IdleTimeout > 0:
		d.Stop("Idle timeout")
		return errors.Wrapf(err, "nothing received for %s", d.config.IdleTimeout)
	case err == bufio.ErrTooLong:
		d.Stop("Message too long")
		return errors.Wrapf(err, "message exceeds %d bytes", d.config.MaxMessageSize)
	default:
		d.Stop("Receive error")
		return errors.Wrap(err, "Read from device")
	}
}

// Send queues msg to be written to the device.
func (d *Device) Send(msg string) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}

	select {
	case d.send <- msg:
		return nil
	case <-d.done:
		return ErrStopped
	}
}

// Close stops the device and closes its connection.
func (d *Device) Close() error {
	d.Stop("Closed by server")
	return d.conn.Close()
}

// Stopped returns true if the device was stopped.
func (d *Device) Stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Stop stops the device, and wakes up Serve, without closing the connection.
// Stop is idempotent; calling Stop more than once will have no effect.
func (d *Device) Stop(reason string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.Stopped() {
		return
	}

	d.stoppedReason = reason
	close(d.done)
	d.conn.SetReadDeadline(time.Now())
}

// Reason returns why the device was stopped.
func (d *Device) Reason() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stoppedReason
}

// LastSeen returns when the device last sent a message.
func (d *Device) LastSeen() time.Time {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.lastSeen
}

// RemoteAddr returns the device's network address.
func (d *Device) RemoteAddr() net.Addr {
	return d.conn.RemoteAddr()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (d *Device) String() string {
	return fmt.Sprintf("Device(%s)", d.Identity)
}
