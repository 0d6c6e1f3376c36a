// Command dgibroker runs one node of the peer-to-peer coordination
// substrate. Grounded on crux/cmd/fulcrum/cmd/flock.go's cobra.Command
// wiring (clog.Log = crux.GetLoggerW(...), vip := parseCmd(cmd)).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgi-broker/broker/pkg/broker"
	"github.com/dgi-broker/broker/pkg/clog"
	"github.com/dgi-broker/broker/pkg/config"
	"github.com/dgi-broker/broker/pkg/peerid"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dgibroker",
		Short: "Peer-to-peer coordination substrate for a distributed controller node",
	}
	root.PersistentFlags().Int("fire", 0, "prometheus metrics port (0 means none)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newUUIDCmd())
	root.AddCommand(newListLoggersCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			clog.Log.SetLevel(verbosityToLevel(mustGetInt(cmd, "verbosity")))

			v, err := config.BindViper(cmd)
			if err != nil {
				return err
			}
			opts := config.FromViper(v)

			timings := config.DefaultTimings()
			if opts.TimingsConfig != "" {
				timings, err = config.LoadTimings(opts.TimingsConfig)
				if err != nil {
					return err
				}
			}

			firePort, _ := cmd.Flags().GetInt("fire")
			metricsAddr := ""
			if firePort != 0 {
				metricsAddr = fmt.Sprintf("0.0.0.0:%d", firePort)
			}

			n, err := broker.New(opts, timings, metricsAddr)
			if err != nil {
				return err
			}
			n.AddModule(broker.NewHeartbeatModule("hb", timings.Get("GM_PHASE_TIME", 250*time.Millisecond)))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			g := n.Start(ctx)
			clog.Log.Logi("dgibroker", "msg", "started", "self", string(n.Self))
			if err := g.Wait(); err != nil {
				return err
			}
			return nil
		},
	}
	config.BindFlags(cmd)
	return cmd
}

func newUUIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uuid",
		Short: "Print a freshly generated correlation token and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(peerid.NewToken())
		},
	}
}

func newListLoggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-loggers",
		Short: "List the recognised logging tags",
		Run: func(cmd *cobra.Command, args []string) {
			for _, tag := range []string{"broker", "connmgr", "dispatch", "protocol", "scheduler", "clocksync", "xport", "metrics"} {
				fmt.Println(tag)
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func mustGetInt(cmd *cobra.Command, name string) int {
	v, err := cmd.Flags().GetInt(name)
	if err != nil {
		return 0
	}
	return v
}

func verbosityToLevel(v int) clog.Level {
	switch {
	case v <= 0:
		return clog.LevelError
	case v == 1:
		return clog.LevelWarn
	case v <= 3:
		return clog.LevelInfo
	case v <= 5:
		return clog.LevelDebug
	default:
		return clog.LevelTrace
	}
}
