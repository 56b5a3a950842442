// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/rangerd/pkg/coordinator"
	"github.com/n0ot/rangerd/pkg/device"
	"github.com/n0ot/rangerd/pkg/metrics"
	"github.com/n0ot/rangerd/pkg/server"
	"github.com/n0ot/rangerd/pkg/tracing"
	"github.com/n0ot/rangerd/pkg/visualizer"
)

var noVisualizer bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the rangerd server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", server.DefaultBind, "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().DurationP("keep-alive", "k", 30*time.Second, "TCP keepalive period for device connections (0 uses the system default)")
	viper.BindPFlag("server.keepAlive", startCmd.Flags().Lookup("keep-alive"))
	startCmd.Flags().StringP("identity", "i", "host", "How devices are identified: host (reconnects keep their slot) or addr (host:port)")
	viper.BindPFlag("device.identity", startCmd.Flags().Lookup("identity"))
	startCmd.Flags().String("delimiter", strconv.Quote(device.DefaultDelimiter), "Message delimiter, as a Go string literal")
	viper.BindPFlag("device.delimiter", startCmd.Flags().Lookup("delimiter"))
	startCmd.Flags().Int("max-message-size", device.DefaultMaxMessageSize, "Largest message accepted from a device, in bytes")
	viper.BindPFlag("device.maxMessageSize", startCmd.Flags().Lookup("max-message-size"))
	startCmd.Flags().Duration("idle-timeout", 0, "Drop devices that send nothing for this long (0 never drops them)")
	viper.BindPFlag("device.idleTimeout", startCmd.Flags().Lookup("idle-timeout"))
	startCmd.Flags().Bool("resolve-hosts", false, "Look up the host names of connecting devices")
	viper.BindPFlag("server.resolveHosts", startCmd.Flags().Lookup("resolve-hosts"))

	startCmd.Flags().DurationP("phase-timeout", "t", coordinator.DefaultPhaseTimeout, "How long to wait for a tag's report (0 waits forever)")
	viper.BindPFlag("coordinator.phaseTimeout", startCmd.Flags().Lookup("phase-timeout"))
	startCmd.Flags().Duration("settle-delay", coordinator.DefaultSettleDelay, "Delay between reaching quorum and starting a cycle")
	viper.BindPFlag("coordinator.settleDelay", startCmd.Flags().Lookup("settle-delay"))
	startCmd.Flags().BoolP("repeat", "r", false, "Keep running cycles instead of waiting for devices to change")
	viper.BindPFlag("coordinator.repeat", startCmd.Flags().Lookup("repeat"))
	startCmd.Flags().Duration("cycle-interval", 0, "Delay between repeated cycles")
	viper.BindPFlag("coordinator.cycleInterval", startCmd.Flags().Lookup("cycle-interval"))

	startCmd.Flags().BoolVar(&noVisualizer, "no-visualizer", false, "Log distances without starting the visualizer")
	startCmd.Flags().StringP("metrics-bind", "m", "", "Serve /metrics and /stats on host:port (empty disables)")
	viper.BindPFlag("metrics.bind", startCmd.Flags().Lookup("metrics-bind"))
	startCmd.Flags().Bool("tracing", false, "Export cycle traces to stdout")
	viper.BindPFlag("tracing.enabled", startCmd.Flags().Lookup("tracing"))

	viper.SetDefault("visualizer.command", strings.Join(visualizer.DefaultCommand, " "))
	viper.SetDefault("visualizer.centered", true)
	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("tracing.sampleRatio", 1.0)
}

func runServer(cmd *cobra.Command, args []string) error {
	log := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     viper.GetBool("tracing.enabled"),
		ServiceName: "rangerd",
		SampleRatio: viper.GetFloat64("tracing.sampleRatio"),
	}, log)
	if err != nil {
		return err
	}
	defer tracing.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return errors.Wrap(err, "Register metrics")
	}

	var handoff coordinator.Handoff = visualizer.Discard
	if command := strings.Fields(viper.GetString("visualizer.command")); !noVisualizer && len(command) > 0 {
		handoff = visualizer.New(command, viper.GetBool("visualizer.centered"), log)
	}

	srv := server.New(handoff, log)
	if err := configureServer(srv); err != nil {
		return err
	}
	srv.Metrics = collector
	srv.Coordinator.Metrics = collector

	if bind := viper.GetString("metrics.bind"); bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		mux.Handle("/stats", srv.StatsHandler(viper.GetString("server.statsPassword")))
		httpSrv := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.WithField("addr", bind).Info("Serving metrics")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithField("error", err).Error("Metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
	}

	log.WithFields(logrus.Fields{
		"phase_timeout": srv.Coordinator.PhaseTimeout,
		"settle_delay":  srv.Coordinator.SettleDelay,
		"repeat":        srv.Coordinator.Repeat,
	}).Info("Starting rangerd")
	err = srv.ListenAndServe(ctx, viper.GetString("server.bind"))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// configureServer applies the server, device and coordinator settings to srv.
func configureServer(srv *server.Server) error {
	identity, err := device.ParseIdentityMode(viper.GetString("device.identity"))
	if err != nil {
		return err
	}
	delimiter := parseDelimiter(viper.GetString("device.delimiter"))
	if delimiter == "" {
		return errors.New("The message delimiter cannot be empty")
	}

	srv.KeepAlive = viper.GetDuration("server.keepAlive")
	srv.ResolveHosts = viper.GetBool("server.resolveHosts")
	srv.Identity = identity
	srv.Device = device.Config{
		Delimiter:      delimiter,
		MaxMessageSize: viper.GetInt("device.maxMessageSize"),
		IdleTimeout:    viper.GetDuration("device.idleTimeout"),
	}
	if srv.Coordinator != nil {
		srv.Coordinator.PhaseTimeout = viper.GetDuration("coordinator.phaseTimeout")
		srv.Coordinator.SettleDelay = viper.GetDuration("coordinator.settleDelay")
		srv.Coordinator.Repeat = viper.GetBool("coordinator.repeat")
		srv.Coordinator.CycleInterval = viper.GetDuration("coordinator.cycleInterval")
	}
	return nil
}

// parseDelimiter accepts either a quoted Go string literal, or the delimiter itself.
func parseDelimiter(s string) string {
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	if unquoted, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return unquoted
	}
	return s
}
