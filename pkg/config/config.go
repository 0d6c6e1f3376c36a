// Package config loads the recognised broker options from flags/env via
// cobra+viper, and the fixed-duration timings file via YAML. Wiring
// follows crux/cmd/fulcrum/cmd/flock.go's parseCmd/viper pattern; the
// per-key timings failure contract (missing key names itself in the
// error) follows the convention this substrate's timing tables use.
package config

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/dgi-broker/broker/pkg/dgierr"
)

// Options are the recognised top-level configuration values.
type Options struct {
	ListenAddress string
	ListenPort    int
	Peers         []string
	AdapterConfig string
	TimingsConfig string
	LoggerConfig  string
	Verbosity     int
}

// BindFlags registers the recognised flags on cmd.
func BindFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen-address", "0.0.0.0", "address to listen for broker traffic on")
	cmd.Flags().Int("listen-port", 1870, "port to listen for broker traffic on")
	cmd.Flags().StringSlice("peers", nil, "comma-separated list of host:port peers")
	cmd.Flags().String("adapter-config", "", "path to the device adapter XML config")
	cmd.Flags().String("timings-config", "", "path to the timings YAML file")
	cmd.Flags().String("logger-config", "", "path to a logger tag-level config file")
	cmd.Flags().Int("verbosity", 2, "log verbosity, 0-8")
}

// FromViper reads bound flags/env into Options via v.
func FromViper(v *viper.Viper) Options {
	return Options{
		ListenAddress: v.GetString("listen-address"),
		ListenPort:    v.GetInt("listen-port"),
		Peers:         v.GetStringSlice("peers"),
		AdapterConfig: v.GetString("adapter-config"),
		TimingsConfig: v.GetString("timings-config"),
		LoggerConfig:  v.GetString("logger-config"),
		Verbosity:     v.GetInt("verbosity"),
	}
}

// BindViper binds cmd's flags into a fresh viper instance with env
// overrides.
func BindViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("DGIBROKER")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, dgierr.Wrap(dgierr.KindConfigError, err, "bind flags")
	}
	return v, nil
}

// RequiredTimings are the keys every timings file must define: phase
// durations for the fixed module set plus the resend/timeout/exchange
// intervals the transport and clock-sync layers need.
var RequiredTimings = []string{
	"GM_PHASE_TIME",
	"SC_PHASE_TIME",
	"LB_PHASE_TIME",
	"CSRC_RESEND_TIME",
	"CSRC_DEFAULT_TIMEOUT",
	"CSUC_RESEND_TIME",
	"CS_EXCHANGE_TIME",
}

// Timings maps a timing key to its configured duration.
type Timings map[string]time.Duration

// Get returns the duration for key, or fallback if the key is absent
// (used by optional module-private timeouts).
func (t Timings) Get(key string, fallback time.Duration) time.Duration {
	if v, ok := t[key]; ok {
		return v
	}
	return fallback
}

// LoadTimings parses a YAML file of key: milliseconds pairs and
// validates that every RequiredTimings key is present and numeric,
// failing with a ConfigError that names the offending key in both cases.
func LoadTimings(path string) (Timings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, dgierr.Wrap(dgierr.KindConfigError, err, "read timings file "+path)
	}
	var asRaw map[string]interface{}
	if err := yaml.Unmarshal(raw, &asRaw); err != nil {
		return nil, dgierr.Wrap(dgierr.KindConfigError, err, "parse timings file "+path)
	}
	out := make(Timings, len(asRaw))
	for k, v := range asRaw {
		var ms int64
		switch n := v.(type) {
		case int:
			ms = int64(n)
		case int64:
			ms = n
		default:
			return nil, dgierr.ConfigErrorf("timings file %s: key %s must be an integer number of milliseconds, got %v", path, k, v)
		}
		out[k] = time.Duration(ms) * time.Millisecond
	}
	for _, req := range RequiredTimings {
		if _, ok := out[req]; !ok {
			return nil, dgierr.ConfigErrorf("timings file %s missing required key %s", path, req)
		}
	}
	return out, nil
}

// DefaultTimings returns a reasonable built-in timings set so the daemon
// can run without an explicit --timings-config, using the same key names
// LoadTimings expects.
func DefaultTimings() Timings {
	return Timings{
		"GM_PHASE_TIME":         250 * time.Millisecond,
		"SC_PHASE_TIME":         250 * time.Millisecond,
		"LB_PHASE_TIME":         250 * time.Millisecond,
		"CSRC_RESEND_TIME":      10 * time.Millisecond,
		"CSRC_DEFAULT_TIMEOUT":  5 * time.Second,
		"CSUC_RESEND_TIME":      5 * time.Millisecond,
		"CS_EXCHANGE_TIME":      1 * time.Second,
	}
}
