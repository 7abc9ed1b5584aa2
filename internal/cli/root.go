// Package cli implements the crm-sync command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shubhamb0439-gif/crm-admin/pkg/console"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
	"github.com/shubhamb0439-gif/crm-admin/pkg/rest"
)

// Version is set by the build.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

type options struct {
	configFile string
	envDir     string

	v      *viper.Viper
	stdout io.Writer
}

// NewRootCommand returns the crm-sync command. Running it without a
// subcommand runs the service.
func NewRootCommand() *cobra.Command {
	o := &options{v: newViper(), stdout: os.Stdout}

	root := &cobra.Command{
		Use:   "crm-sync",
		Short: "Keep the CRM admin console in sync with backend changes",
		Long: `crm-sync holds one realtime subscription per watched table of the
CRM backend, recreates subscriptions that fail, and keeps cached queries of
the admin console fresh as changes arrive.

The backend is configured with SUPABASE_URL and SUPABASE_ANON_KEY (or their
VITE_ forms), read from the environment or from .env and .env.local. Every
other setting can be overridden with a CRM_ variable, e.g. CRM_LISTEN.`,
		SilenceUsage:      true,
		PersistentPreRunE: o.setup,
		RunE:              o.run,
	}
	root.SetOut(o.stdout)

	flags := root.PersistentFlags()
	flags.StringVar(&o.configFile, "config", "", "config file (default is ./crm-sync.yaml)")
	flags.StringVar(&o.envDir, "env-dir", "", "directory holding .env files (default is the working directory)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console or json)")
	flags.String("log-file", "", "append logs to this file instead of stderr")
	o.bindFlag(flags.Lookup("log-level"), "log_level")
	o.bindFlag(flags.Lookup("log-format"), "log_format")
	o.bindFlag(flags.Lookup("log-file"), "log_file")

	run := root.Flags()
	run.String("listen", console.DefaultListenAddr, "status server address, empty to disable")
	run.String("policy", console.PolicyFixed, "reconnect policy (fixed or exponential)")
	run.Duration("reconnect-delay", 0, "delay before a failed subscription is recreated")
	run.StringSlice("resources", nil, "watched tables")
	o.bindFlag(run.Lookup("listen"), "listen")
	o.bindFlag(run.Lookup("policy"), "policy")
	o.bindFlag(run.Lookup("reconnect-delay"), "reconnect_delay")
	o.bindFlag(run.Lookup("resources"), "resources")

	root.AddCommand(o.checkCommand(), o.configCommand(), versionCommand())
	return root
}

func (o *options) bindFlag(flag *pflag.Flag, key string) {
	if err := o.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("BUG: bind flag %s: %v", key, err))
	}
}

func (o *options) setup(_ *cobra.Command, _ []string) error {
	loadEnvFiles(o.envDir)
	return readConfigFile(o.v, o.configFile)
}

func (o *options) load() (console.Config, *logger.LogData, error) {
	cfg, lc, err := decode(o.v)
	if err != nil {
		return cfg, nil, err
	}
	logData, err := logger.NewBuild().
		FromPath(lc.File).
		Level(lc.Level).
		Console(lc.Format == "console").
		Make()
	if err != nil {
		return cfg, nil, err
	}
	cfg.Logger = logData.Logger
	return cfg, logData, nil
}

func closeLog(logData *logger.LogData) {
	if logData.LogFile != nil {
		_ = logData.LogFile.Close()
	}
}

func (o *options) run(cmd *cobra.Command, _ []string) error {
	cfg, logData, err := o.load()
	if err != nil {
		return err
	}
	defer closeLog(logData)
	log := logData.Logger

	svc, err := console.New(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	startErr := svc.Start(ctx)
	if startErr == nil {
		log.Info("crm-sync running", "version", Version, "resources", len(cfg.Resources), "listen", svc.Addr())
		<-ctx.Done()
		log.Info("crm-sync shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("crm-sync shutdown failed", "error", err)
	}
	return startErr
}

func (o *options) checkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and check the backend answers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logData, err := o.load()
			if err != nil {
				return err
			}
			defer closeLog(logData)

			if err := cfg.Validate(); err != nil {
				return err
			}
			rc, err := rest.New(rest.Config{URL: cfg.URL, AnonKey: cfg.AnonKey, Logger: cfg.Logger})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.JoinTimeout)
			defer cancel()
			if err := rc.Ping(ctx); err != nil {
				return err
			}
			for _, res := range cfg.Resources {
				if err := rc.PointRead(ctx, res, 1); err != nil {
					return fmt.Errorf("read %s: %w", res, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s answers, %d tables readable\n", cfg.URL, len(cfg.Resources))
			return nil
		},
	}
}

func (o *options) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON, secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, lc, err := decode(o.v)
			if err != nil {
				return err
			}
			if cfg.AnonKey != "" {
				cfg.AnonKey = "redacted"
			}
			if cfg.Password != "" {
				cfg.Password = "redacted"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				console.Config
				LogConfig
			}{cfg, lc})
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "crm-sync", Version)
		},
	}
}
