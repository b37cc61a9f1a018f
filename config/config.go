// Package config loads tcpd's runtime configuration from flags, the
// TCPD_-prefixed environment, and (optionally) a config file.
package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting tcpd needs to start.
type Config struct {
	// Interface is the TUN device name to open; empty lets the OS assign one.
	Interface string
	// Window is the initial SND.WND of every accepted connection. It is not
	// the window advertised in outgoing segments, which is taken from the
	// peer's SYN.
	Window uint16
	// RandomizeISS enables a crypto/rand initial send sequence number
	// instead of the deterministic default.
	RandomizeISS bool
	// LogLevel is a logrus level name: trace, debug, info, warn, error.
	LogLevel string
	// LogFormat selects "text" or "json" log output.
	LogFormat string
	// MetricsAddr is the address the Prometheus HTTP handler listens on.
	// Empty disables the metrics server.
	MetricsAddr string
}

// BindFlags registers tcpd's flags on cmd, suitable for a cobra.Command's
// PersistentFlags.
func BindFlags(flags *pflag.FlagSet) {
	flags.String("iface", "tun0", "TUN interface name (empty: let the OS assign one)")
	flags.Uint16("window", 4096, "initial send window (SND.WND) of each connection in bytes; not advertised in segments")
	flags.Bool("randomize-iss", false, "use a random initial send sequence number instead of zero")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("metrics-addr", "", "address to serve Prometheus metrics on, empty to disable")
	flags.String("config", "", "path to a YAML/JSON/TOML config file")
}

// Load resolves a Config from cmd's bound flags, the TCPD_-prefixed
// environment, and any config file named by --config.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TCPD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, err
	}

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	return Config{
		Interface:    v.GetString("iface"),
		Window:       v.GetUint16("window"),
		RandomizeISS: v.GetBool("randomize-iss"),
		LogLevel:     v.GetString("log-level"),
		LogFormat:    v.GetString("log-format"),
		MetricsAddr:  v.GetString("metrics-addr"),
	}, nil
}
