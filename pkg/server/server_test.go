package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/n0ot/rangerd/pkg/device"
	"github.com/n0ot/rangerd/pkg/ranging"
	"github.com/n0ot/rangerd/pkg/registry"
)

var distances = map[ranging.Pair]float64{
	ranging.AB: 1.5,
	ranging.AC: 2.5,
	ranging.BC: 3.5,
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type recordingHandoff struct {
	matrices chan ranging.Matrix
}

func (h recordingHandoff) Handoff(ctx context.Context, m ranging.Matrix) error {
	h.matrices <- m
	return nil
}

// testDevice speaks the device protocol from the other end of a connection.
type testDevice struct {
	conn net.Conn
	r    *bufio.Reader

	lock sync.Mutex // Serializes writes
}

func dial(t *testing.T, addr string) *testDevice {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testDevice{conn: conn, r: bufio.NewReader(conn)}
}

func (d *testDevice) send(msg string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	_, err := d.conn.Write(device.Frame(msg, device.DefaultDelimiter))
	return err
}

// next reads one message, which ends at a blank line.
func (d *testDevice) next() (string, error) {
	var lines []string
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 {
				continue
			}
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}

// run answers role assignments as the device at index would, and passes other messages to replies.
func (d *testDevice) run(index int, replies chan<- string) {
	for {
		msg, err := d.next()
		if err != nil {
			return
		}
		switch msg {
		case device.RoleTag:
			var lines []string
			for anchor := 0; anchor < ranging.NumDevices; anchor++ {
				if pair, err := ranging.PairFor(index, anchor); err == nil {
					lines = append(lines, fmt.Sprintf("an%d: %.2fm", anchor, distances[pair]))
				}
			}
			d.send(strings.Join(lines, "\n"))
		case device.RoleAnchor:
		default:
			replies <- msg
		}
	}
}

func startServer(t *testing.T, srv *Server) (addr string, stop func() error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ctx, listener)
	}()
	return listener.Addr().String(), func() error {
		cancel()
		select {
		case err := <-errs:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("Serve did not return")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeCycle(t *testing.T) {
	handoff := recordingHandoff{matrices: make(chan ranging.Matrix, 1)}
	srv := New(handoff, quietLogger())
	srv.Identity = device.AddrIdentity
	srv.Coordinator.SettleDelay = 0
	srv.Coordinator.PhaseTimeout = 5 * time.Second
	addr, stop := startServer(t, srv)

	for i := 0; i < ranging.NumDevices; i++ {
		d := dial(t, addr)
		replies := make(chan string, 10)
		if err := d.send(device.QueryID); err != nil {
			t.Fatalf("Send: %s", err)
		}
		go d.run(i, replies)
		select {
		case got := <-replies:
			if want := fmt.Sprint(i); got != want {
				t.Errorf("Device %d got index %q", i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Device %d got no index", i)
		}
	}

	select {
	case m := <-handoff.matrices:
		for pair, want := range distances {
			if got, ok := m.Get(pair); !ok || got != want {
				t.Errorf("%s = %v, %v; want %v", pair, got, ok, want)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("No matrix handed off")
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v; want context.Canceled", err)
	}
	if n := srv.Registry.Size(); n != 0 {
		t.Errorf("%d devices still registered after shutdown", n)
	}
}

func TestReconnectRefreshes(t *testing.T) {
	srv := New(nil, quietLogger())
	srv.Coordinator = nil
	addr, stop := startServer(t, srv)
	defer stop()

	first := dial(t, addr)
	first.send(device.QueryID)
	if got, err := first.next(); err != nil || got != "0" {
		t.Fatalf("First index = %q, %v", got, err)
	}

	// Same host, so the second connection takes over the first one's slot.
	second := dial(t, addr)
	second.send(device.QueryID)
	if got, err := second.next(); err != nil || got != "0" {
		t.Fatalf("Second index = %q, %v", got, err)
	}
	if n := srv.Registry.Size(); n != 1 {
		t.Errorf("Size = %d; want 1", n)
	}

	first.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := first.next(); err == nil {
		t.Errorf("Displaced connection should be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Errorf("Displaced connection was left open")
	}

	// The displaced worker must not remove the new connection.
	time.Sleep(20 * time.Millisecond)
	if n := srv.Registry.Size(); n != 1 {
		t.Errorf("Size after displacement = %d; want 1", n)
	}

	second.conn.Close()
	waitFor(t, "unregister", func() bool { return srv.Registry.Size() == 0 })
}

func TestStatsHandler(t *testing.T) {
	srv := New(nil, quietLogger())
	srv.Identity = device.AddrIdentity
	srv.Coordinator = nil
	addr, stop := startServer(t, srv)
	defer stop()

	d := dial(t, addr)
	d.send(device.QueryID)
	if _, err := d.next(); err != nil {
		t.Fatalf("Query: %s", err)
	}

	h := srv.StatsHandler("secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("No password: status %d; want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Status %d", rr.Code)
	}
	var stats StatsResponse
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("Decode: %s", err)
	}
	if stats.NumDevices != 1 || len(stats.Devices) != 1 || stats.MaxDevices != 1 {
		t.Fatalf("Stats = %+v", stats)
	}
	if dev := stats.Devices[0]; dev.Index != 0 || dev.Addr != dev.Identity || dev.LastSeen.IsZero() || dev.Host != "" {
		t.Errorf("Device stats = %+v", dev)
	}
}

// writeFailConn fails every write, and records whether its device was still registered when closed.
type writeFailConn struct {
	net.Conn
	reg *registry.Registry
	id  string

	closedWhileRegistered chan bool
}

func (c *writeFailConn) Write(b []byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func (c *writeFailConn) Close() error {
	_, registered := c.reg.IndexOf(c.id)
	select {
	case c.closedWhileRegistered <- registered:
	default:
	}
	return c.Conn.Close()
}

func TestWriteErrorUnregistersBeforeClose(t *testing.T) {
	srv := New(nil, quietLogger())
	srv.Coordinator = nil
	srv.Identity = func(net.Addr) string { return "dev" }

	server, client := net.Pipe()
	defer client.Close()
	conn := &writeFailConn{
		Conn:                  server,
		reg:                   srv.Registry,
		id:                    "dev",
		closedWhileRegistered: make(chan bool, 1),
	}
	srv.wg.Add(1)
	go srv.serveDevice(context.Background(), conn)
	waitFor(t, "register", func() bool { return srv.Registry.Size() == 1 })

	if err := srv.Registry.Send("dev", device.RoleTag); err != nil {
		t.Fatalf("Send: %s", err)
	}
	select {
	case registered := <-conn.closedWhileRegistered:
		if registered {
			t.Errorf("Connection closed while the device was still registered")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Connection never closed after a write error")
	}
	srv.wg.Wait()
	if n := srv.Registry.Size(); n != 0 {
		t.Errorf("Size = %d; want 0", n)
	}
}

// closeChannel records whether it was still registered when closed.
type closeChannel struct {
	id  string
	reg *registry.Registry

	mtx                   sync.Mutex
	closes                int
	closedWhileRegistered bool
}

func (c *closeChannel) Send(msg string) error { return nil }

func (c *closeChannel) Close() error {
	_, registered := c.reg.IndexOf(c.id)
	c.mtx.Lock()
	c.closes++
	c.closedWhileRegistered = c.closedWhileRegistered || registered
	c.mtx.Unlock()
	return nil
}

func (c *closeChannel) String() string { return c.id }

func TestCloseAll(t *testing.T) {
	srv := New(nil, quietLogger())
	var channels []*closeChannel
	for _, id := range []string{"a", "b", "c"} {
		ch := &closeChannel{id: id, reg: srv.Registry}
		channels = append(channels, ch)
		srv.Registry.Register(id, ch)
	}

	// A device leaving on its own races with shutdown.
	left := make(chan struct{})
	go func() {
		defer close(left)
		srv.Registry.UnregisterChannel("a", channels[0])
	}()
	srv.closeAll()
	<-left

	if n := srv.Registry.Size(); n != 0 {
		t.Errorf("Size = %d; want 0", n)
	}
	for _, ch := range channels[1:] {
		ch.mtx.Lock()
		if ch.closes != 1 || ch.closedWhileRegistered {
			t.Errorf("%s: closed %d times, while registered: %v", ch.id, ch.closes, ch.closedWhileRegistered)
		}
		ch.mtx.Unlock()
	}
	if channels[0].closes > 1 || channels[0].closedWhileRegistered {
		t.Errorf("a: closed %d times, while registered: %v", channels[0].closes, channels[0].closedWhileRegistered)
	}
}

func TestResolveHosts(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	srv := New(nil, log)
	srv.Coordinator = nil
	srv.ResolveHosts = true
	addr, stop := startServer(t, srv)
	defer stop()

	d := dial(t, addr)
	d.send(device.QueryID)
	if _, err := d.next(); err != nil {
		t.Fatalf("Query: %s", err)
	}

	var remoteHost string
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Connected" {
			remoteHost, _ = entry.Data["remote_host"].(string)
		}
	}
	if !strings.Contains(remoteHost, "127.0.0.1") {
		t.Errorf("remote_host = %q", remoteHost)
	}

	stats := srv.Stats()
	if len(stats.Devices) != 1 || !strings.Contains(stats.Devices[0].Host, "127.0.0.1") {
		t.Errorf("Stats = %+v", stats)
	}
}
