// Copyright 2025 The PgSentinel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// pgsentineld supervises one node of a PostgreSQL replication cluster:
// it measures replication lag on the standby it runs beside, detects loss
// of the primary, and when configured for automatic failover elects and
// promotes the best surviving standby.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pgsentinel/pgsentinel/go/sentinel"
	"github.com/pgsentinel/pgsentinel/go/sentinel/config"
	"github.com/pgsentinel/pgsentinel/go/sentinel/exitcode"
	"github.com/pgsentinel/pgsentinel/go/sentinel/metrics"
	"github.com/pgsentinel/pgsentinel/go/tools/logutil"
)

const version = "1.0.0"

var (
	configFile string
	verbose    bool

	Main = &cobra.Command{
		Use:           "pgsentineld",
		Short:         "Replication manager daemon for PostgreSQL standby clusters.",
		Long:          "pgsentineld monitors a cluster of servers: it measures replication lag against the primary, rediscovers a manually promoted primary, and can run an automatic failover election among standbys.",
		Args:          cobra.NoArgs,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

// registerFlags binds the daemon's command-line flags.
func registerFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configFile, "config", "f", config.DefaultPath, "configuration file")
	fs.BoolVarP(&verbose, "verbose", "v", false, "output verbose activity information")
	fs.BoolP("version", "V", false, "output version information, then exit")
	fs.BoolP("help", "?", false, "show this help, then exit")
}

func init() {
	registerFlags(Main.Flags())
	Main.SetVersionTemplate("pgsentineld {{.Version}}\n")
}

func main() {
	if err := Main.Execute(); err != nil {
		code := exitcode.FromError(err)
		if code == exitcode.ErrBadConfig && !isExitError(err) {
			// Flag errors never reached the logger.
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(int(code))
	}
}

func isExitError(err error) bool {
	var ee *exitcode.Error
	return errors.As(err, &ee)
}

func run(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitcode.Wrap(exitcode.ErrBadConfig, err)
	}

	loglevel := cfg.LogLevel
	if verbose {
		loglevel = "DEBUG"
	}
	logger := logutil.New(loglevel, cfg.LogFacility)

	// loglevel follows the config file live; everything else needs a
	// restart.
	loader.Watch(
		func(next *config.Config) {
			if !verbose {
				logger.SetLevel(logutil.ParseLevel(next.LogLevel))
				logger.Info("log level updated from configuration", "loglevel", next.LogLevel)
			}
		},
		func(err error) {
			logger.Warn("configuration reload failed, keeping previous settings", "error", err)
		},
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon := sentinel.New(cfg, logger.Logger, metrics.New())
	if err := daemon.Run(ctx); err != nil {
		logger.Error("daemon exited", "exit", exitcode.FromError(err).String(), "error", err)
		return err
	}
	logger.Info("daemon exited", "exit", exitcode.Success.String())
	return nil
}
