// Command tcpd runs a user-space TCP engine over a TUN device: it accepts
// inbound connections with a hand-rolled RFC 793 state machine and serves
// no application payload of its own.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jayrabjohns/tcpd/config"
	"github.com/jayrabjohns/tcpd/device"
	"github.com/jayrabjohns/tcpd/dispatch"
	"github.com/jayrabjohns/tcpd/metrics"
	"github.com/jayrabjohns/tcpd/tcpctl"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcpd",
		Short: "User-space TCP engine running over a TUN device",
		RunE:  run,
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	tun, err := device.OpenTUN(cfg.Interface)
	if err != nil {
		return fmt.Errorf("opening TUN device: %w", err)
	}
	defer tun.Close()
	log.Infof("listening on %s", tun.Name())

	opts := tcpctl.Options{
		Window:       cfg.Window,
		RandomizeISS: cfg.RandomizeISS,
		Logger:       log,
	}
	d := dispatch.New(tun, opts)

	if cfg.MetricsAddr != "" {
		collectors := metrics.New(prometheus.DefaultRegisterer)
		d.OnTransition(collectors.OnTransition)
		d.OnReset(collectors.IncReset)
		go serveMetrics(log, cfg.MetricsAddr)
	}

	// d.Run drives the TCP state machine and TIME-WAIT expiry on a single
	// goroutine; the metrics server above is the only other goroutine this
	// command runs, and it never touches a TCB.
	return d.Run()
}

func serveMetrics(log *logrus.Logger, addr string) {
	log.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
		log.Errorf("metrics server stopped: %v", err)
	}
}
