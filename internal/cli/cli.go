// Package cli wires mccache's command-line surface: a long-running
// `run` node plus maintenance subcommands (`metrics`, `checksum`,
// `clear`) that drive a cluster from outside the daemon process.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mccache/mccache-go"
	"github.com/mccache/mccache-go/internal/config"
	"github.com/mccache/mccache-go/internal/logfmt"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mccached",
	Short: "A distributed, eventually-consistent in-process cache node",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.AddCommand(runCmd, metricsCmd, checksumCmd, clearCmd)
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a mccache.toml file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logfmt.Formatter{})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func loadConfigOrExit() config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

var metricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the multicast cluster and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfigOrExit()
		log := newLogger()

		eng, err := mccache.New(cfg, mccache.WithLogger(log))
		if err != nil {
			return fmt.Errorf("mccached: starting engine: %w", err)
		}

		if metricsAddr != "" {
			go func() {
				srv := &http.Server{Addr: metricsAddr, Handler: eng.MetricsHandler()}
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.WithError(err).Warn("metrics server stopped")
				}
			}()
			log.WithField("addr", metricsAddr).Info("serving metrics")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		return eng.Close()
	},
}

var checksumCmd = &cobra.Command{
	Use:   "checksum [namespace] [key]",
	Short: "Request a cluster-wide checksum comparison for a key (or a whole cache)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfigOrExit()
		eng, err := mccache.New(cfg, mccache.WithLogger(newLogger()))
		if err != nil {
			return err
		}
		defer eng.Close()

		key := ""
		if len(args) == 2 {
			key = args[1]
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		report, err := eng.ClusterChecksum(ctx, args[0], key)
		if err != nil && err != context.DeadlineExceeded {
			return err
		}
		fmt.Printf("namespace=%s key=%s local_crc=%s local_tsm=%d\n", report.Namespace, report.Key, report.Local.CRC, report.Local.TSM)
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Request metrics from cluster peers and print the local view",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfigOrExit()
		eng, err := mccache.New(cfg, mccache.WithLogger(newLogger()))
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		stats, err := eng.ClusterMetrics(ctx, "")
		if err != nil && err != context.DeadlineExceeded {
			return err
		}
		for name, s := range stats {
			fmt.Printf("%s\tinserts=%d updates=%d deletes=%d evicts=%d lookups=%d misses=%d bytes=%d\n",
				name, s.Inserts, s.Updates, s.Deletes, s.Evicts, s.Lookups, s.Misses, s.ByteSize)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear [namespace]",
	Short: "Clear a cache cluster-wide (or every cache when namespace is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfigOrExit()
		eng, err := mccache.New(cfg, mccache.WithLogger(newLogger()))
		if err != nil {
			return err
		}
		defer eng.Close()

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		eng.ClearCache(name)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on (empty disables)")
}
