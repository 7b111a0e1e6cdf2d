package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/bastion/internal/clock"
	"github.com/SmitUplenchwar2687/bastion/internal/config"
	"github.com/SmitUplenchwar2687/bastion/internal/logging"
)

type serveOptions struct {
	configPath     string
	addr           string
	logLevel       string
	logFormat      string
	trustProxy     bool
	sampleInterval time.Duration
	storage        storageOptions
}

func newServeCmd() *cobra.Command {
	return newServeCmdWith(&serveOptions{storage: defaultStorageOptions()})
}

func newServeCmdWith(opts *serveOptions) *cobra.Command {
	def := config.Default().Server

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bastion HTTP server",
		Long: `Starts an HTTP server that decides login and API attempts and exposes
the admin API.

Endpoints:
  GET  /                          Server info
  GET  /health                    Health and adaptive mode
  GET  /metrics                   Prometheus metrics
  POST /api/check/{limiter}       Record one attempt and return the decision
  POST /api/success/{limiter}     Clear the caller after a verified success
  *    /admin/...                 Admin API (bearer token)
  WS   /admin/events              Live audit events`,
		Example: `  bastion serve
  bastion serve --config bastion.yaml
  bastion serve --storage redis --redis-addr redis.internal:6379
  BASTION_ADMIN_TOKEN=secret bastion serve --log-format console`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat, cmd.OutOrStdout())

			// Graceful shutdown on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, clock.NewReal(), log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error().Err(err).Msg("closing components")
				}
			}()
			a.runBackground(ctx, opts.sampleInterval)

			if cfg.Server.APIToken == "" {
				log.Warn().Msg("no api token configured, /api must only be reachable by trusted backends")
			}
			log.Info().
				Str("addr", cfg.Server.Addr).
				Str("storage", cfg.Storage.Backend).
				Strs("limiters", a.svc.Limiters()).
				Int("admin_tokens", len(cfg.Admin.Tokens)).
				Msg("starting bastion")

			errCh := make(chan error, 1)
			go func() {
				errCh <- a.server.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				return a.server.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.addr, "addr", def.Addr, "address to listen on")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", def.LogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", def.LogFormat, "log format (json, console)")
	cmd.Flags().BoolVar(&opts.trustProxy, "trust-proxy-headers", false, "read client addresses from X-Forwarded-For and X-Real-IP")
	cmd.Flags().DurationVar(&opts.sampleInterval, "sample-interval", 10*time.Second, "how often traffic is sampled for the adaptive controller (0 disables)")
	opts.storage.addFlags(cmd)

	return cmd
}

// resolve layers the configuration: defaults, then the config file, then
// the environment, then flags the user set explicitly.
func (o *serveOptions) resolve(cmd *cobra.Command) (config.Config, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = o.addr
	}
	if flags.Changed("log-level") {
		cfg.Server.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Server.LogFormat = o.logFormat
	}
	if flags.Changed("trust-proxy-headers") {
		cfg.Server.TrustProxyHeaders = o.trustProxy
	}
	if err := o.storage.applyTo(cmd, &cfg.Storage); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadConfig reads path when set, otherwise starts from the defaults, and
// applies environment overrides.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
