// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server accepts ranging devices over TCP, and runs the coordinator over them.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/rangerd/pkg/coordinator"
	"github.com/n0ot/rangerd/pkg/device"
	"github.com/n0ot/rangerd/pkg/metrics"
	"github.com/n0ot/rangerd/pkg/registry"
)

// DefaultBind is where devices expect to find the server.
const DefaultBind = ":8888"

// Server contains state for a rangerd server.
type Server struct {
	Registry    *registry.Registry
	Coordinator *coordinator.Coordinator
	Metrics     *metrics.Collector
	Log         *logrus.Logger

	// KeepAlive sets the TCP keepalive period of device connections.
	// If 0, keepalives are left at the system default.
	KeepAlive time.Duration

	// Device configures framing for every connection.
	Device device.Config

	// Identity derives a device's identity from its address.
	// If nil, device.HostIdentity is used.
	Identity device.IdentityFunc

	// ResolveHosts logs the reverse DNS name of connecting devices.
	ResolveHosts bool

	wg sync.WaitGroup
}

// New creates a server with a fresh registry, and a coordinator handing off to handoff.
func New(handoff coordinator.Handoff, log *logrus.Logger) *Server {
	reg := registry.New()
	return &Server{
		Registry:    reg,
		Coordinator: coordinator.New(reg, handoff, log),
		Log:         log,
	}
}

func (srv *Server) logger() *logrus.Logger {
	if srv.Log == nil {
		return logrus.StandardLogger()
	}
	return srv.Log
}

// ListenAndServe listens for devices on addr, and serves them until ctx is done.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.logger().WithFields(logrus.Fields{
		"addr": listener.Addr().String(),
	}).Info("Listening for incoming connections")
	return srv.Serve(ctx, listener)
}

// Serve accepts devices on listener, and runs the coordinator, until ctx is done.
// Serve closes listener, and every device connection, before returning.
func (srv *Server) Serve(ctx context.Context, listener net.Listener) error {
	if srv.Registry == nil {
		srv.Registry = registry.New()
	}
	log := srv.logger()
	log.WithFields(logrus.Fields{
		"keep_alive":       srv.KeepAlive,
		"delimiter":        strconv.Quote(srv.delimiter()),
		"max_message_size": srv.Device.MaxMessageSize,
	}).Info("Server started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coordinatorDone := make(chan struct{})
	if srv.Coordinator != nil {
		go func() {
			defer close(coordinatorDone)
			if err := srv.Coordinator.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithField("error", err).Error("Coordinator stopped")
			}
		}()
	} else {
		close(coordinatorDone)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	err := srv.acceptDevices(ctx, listener)
	cancel()
	srv.closeAll()
	srv.wg.Wait()
	<-coordinatorDone
	log.Info("Server stopped")
	return err
}

func (srv *Server) acceptDevices(ctx context.Context, listener net.Listener) error {
	log := srv.logger()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			log.WithFields(logrus.Fields{
				"error": err,
			}).Error("Error accepting connection")
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			if srv.KeepAlive > 0 {
				tcpConn.SetKeepAlivePeriod(srv.KeepAlive)
			}
		}

		srv.wg.Add(1)
		go srv.serveDevice(ctx, conn)
	}
}

// serveDevice registers a connection, and reads from it until it disconnects.
func (srv *Server) serveDevice(ctx context.Context, conn net.Conn) {
	defer srv.wg.Done()
	log := srv.logger()

	identify := srv.Identity
	if identify == nil {
		identify = device.HostIdentity
	}
	config := srv.Device
	if config.Log == nil {
		config.Log = log
	}
	d := device.New(conn, identify(conn.RemoteAddr()), config)

	index, displaced := srv.Registry.RegisterReplacing(d.Identity, d)
	if displaced != nil {
		displaced.Close()
	}
	if ctx.Err() != nil {
		// Registered after closeAll ran.
		d.Stop("Server shutting down")
	}
	srv.Metrics.SetDevices(srv.Registry.Size())

	fields := logrus.Fields{
		"device": d,
		"index":  index,
	}
	if srv.ResolveHosts {
		fields["remote_host"] = hostFromAddrIfPossible(conn.RemoteAddr())
	}
	if displaced != nil {
		fields["replaced"] = displaced.String()
	}
	log.WithFields(fields).Info("Connected")

	err := d.Serve(handler{srv})

	// Unregister first; the coordinator must not count a closed device.
	srv.Registry.UnregisterChannel(d.Identity, d)
	d.Close()
	srv.Metrics.SetDevices(srv.Registry.Size())

	entry := log.WithFields(logrus.Fields{
		"device": d,
		"reason": d.Reason(),
	})
	if err != nil && !errors.Is(err, device.ErrStopped) {
		entry = entry.WithField("error", err)
	}
	entry.Info("Disconnected")
}

// closeAll unregisters and closes every registered device.
func (srv *Server) closeAll() {
	for {
		bindings := srv.Registry.Bindings()
		if len(bindings) == 0 {
			return
		}
		for _, b := range bindings {
			if srv.Registry.UnregisterChannel(b.Identity, b.Channel) {
				b.Channel.Close()
			}
		}
	}
}

func (srv *Server) delimiter() string {
	if srv.Device.Delimiter == "" {
		return device.DefaultDelimiter
	}
	return srv.Device.Delimiter
}

// handler answers device queries, and delivers reports to the registry.
type handler struct {
	srv *Server
}

func (h handler) Query(d *device.Device) (string, error) {
	index, ok := h.srv.Registry.IndexOf(d.Identity)
	if !ok {
		return "", errors.Wrapf(registry.ErrNoDevice, "identity %s", d.Identity)
	}
	return strconv.Itoa(index), nil
}

func (h handler) Report(d *device.Device, payload string) {
	if err := h.srv.Registry.Deliver(d.Identity, payload); err != nil {
		h.srv.logger().WithFields(logrus.Fields{
			"device": d,
			"error":  err,
		}).Warn("Dropping report")
		return
	}
	h.srv.logger().WithFields(logrus.Fields{
		"device": d,
		"bytes":  len(payload),
	}).Debug("Received report")
}

// hostFromAddrIfPossible tries to get the reverse dns host for an address.
// If that isn't possible, it just returns the address.
func hostFromAddrIfPossible(addr net.Addr) string {
	ip := device.HostIdentity(addr)
	var hosts string
	names, err := net.LookupAddr(ip)
	if err == nil { // No need to report errors; just fallback to IP
		hosts = strings.Join(names, ", ")
	}

	if hosts == "" {
		return ip
	}

	return fmt.Sprintf("%s (%s)", hosts, ip)
}
