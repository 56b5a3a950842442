package commands

import (
	"net"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/n0ot/rangerd/pkg/device"
	"github.com/n0ot/rangerd/pkg/server"
)

func TestParseDelimiter(t *testing.T) {
	for in, want := range map[string]string{
		`"\n\n"`: "\n\n",
		`\r\n`:   "\r\n",
		";":      ";",
	} {
		if got := parseDelimiter(in); got != want {
			t.Errorf("parseDelimiter(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestConfigureServer(t *testing.T) {
	defer viper.Reset()
	viper.Set("device.identity", "addr")
	viper.Set("device.delimiter", `"\n\n"`)
	viper.Set("device.maxMessageSize", 1024)
	viper.Set("device.idleTimeout", "90s")
	viper.Set("server.keepAlive", "15s")
	viper.Set("server.resolveHosts", true)
	viper.Set("coordinator.phaseTimeout", "2s")
	viper.Set("coordinator.repeat", true)

	srv := server.New(nil, nil)
	if err := configureServer(srv); err != nil {
		t.Fatalf("configureServer: %s", err)
	}
	want := device.Config{Delimiter: "\n\n", MaxMessageSize: 1024, IdleTimeout: 90 * time.Second}
	if srv.Device != want {
		t.Errorf("Device = %+v; want %+v", srv.Device, want)
	}
	if !srv.ResolveHosts || srv.KeepAlive != 15*time.Second {
		t.Errorf("ResolveHosts = %v, KeepAlive = %s", srv.ResolveHosts, srv.KeepAlive)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 4242}
	if got := srv.Identity(addr); got != "10.0.0.7:4242" {
		t.Errorf("Identity = %s; want addr mode", got)
	}
	if srv.Coordinator.PhaseTimeout != 2*time.Second || !srv.Coordinator.Repeat {
		t.Errorf("Coordinator = %+v", srv.Coordinator)
	}
}

func TestConfigureServerRejects(t *testing.T) {
	defer viper.Reset()
	viper.Set("device.identity", "mac")
	if err := configureServer(server.New(nil, nil)); err == nil {
		t.Errorf("Expected an error for an unknown identity mode")
	}

	viper.Set("device.identity", "host")
	viper.Set("device.delimiter", `""`)
	if err := configureServer(server.New(nil, nil)); err == nil {
		t.Errorf("Expected an error for an empty delimiter")
	}
}
