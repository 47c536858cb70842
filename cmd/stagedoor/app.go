package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/directory"
	"github.com/stagedoor-io/stagedoor/internal/obs"
	"github.com/stagedoor-io/stagedoor/internal/relay"
)

func submain(ctx context.Context) int {
	cmd := newRootCommand(obs.NewLogger(ctx))
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stagedoor",
		Short:         "stagedoor relays TCP clients to services registered from behind NAT",
		SilenceErrors: true,
		Example: `
  # Run a relay on the default port
  stagedoor

  # Relay reachable under a public name, with metrics and a dashboard
  stagedoor --advertise-host relay.example.net --metrics-listen :9100

  # Mirror registrations into Redis for other tooling
  stagedoor --redis-addr localhost:6379

  # Expose a local service through a relay
  stagedoor expose --relay relay.example.net:7643 --name postgres --target localhost:5432
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := baseLogger

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := obs.WithSubsystem(logger, "cli")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg := relay.Config{
				Listen:           viper.GetString("listen"),
				AdvertiseHost:    viper.GetString("advertise-host"),
				RegisterTimeout:  viper.GetDuration("register-timeout"),
				HandshakeTimeout: viper.GetDuration("handshake-timeout"),
				MaxInflight:      viper.GetInt64("max-inflight"),
				RegisterRate:     viper.GetFloat64("register-rate"),
				RegisterBurst:    viper.GetInt("register-burst"),
			}

			dir, err := directory.New(ctx, directory.Config{
				Addr:     viper.GetString("redis-addr"),
				Password: viper.GetString("redis-password"),
				DB:       viper.GetInt("redis-db"),
				TTL:      viper.GetDuration("directory-ttl"),
				Refresh:  viper.GetDuration("directory-refresh"),
			}, obs.WithSubsystem(logger, "directory"))
			if err != nil {
				return err
			}

			rly, err := relay.New(cfg,
				relay.WithLogger(obs.WithSubsystem(logger, "relay")),
				relay.WithDirectory(dir),
			)
			if err != nil {
				dir.Close()
				return err
			}

			if addr := strings.TrimSpace(viper.GetString("metrics-listen")); addr != "" {
				go startStatusServer(ctx, addr, rly, obs.WithSubsystem(logger, "status"))
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := rly.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return rly.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", relay.DefaultListen, "registration listen address for daemons")
	flags.String("advertise-host", "", "host written to daemons in registration and callback addresses (defaults to the address each daemon dialed)")
	flags.Duration("register-timeout", relay.DefaultRegisterTimeout, "maximum wait for the service name on a new control connection (0 waits forever)")
	flags.Duration("handshake-timeout", relay.DefaultHandshakeTimeout, "maximum wait for a daemon ack and callback dial (0 waits forever)")
	flags.Int64("max-inflight", relay.DefaultMaxInflight, "maximum client requests in flight per service (0 removes the cap)")
	flags.Float64("register-rate", 0, "registrations allowed per second per daemon IP (0 disables rate limiting)")
	flags.Int("register-burst", relay.DefaultRegisterBurst, "registration burst size per daemon IP")
	flags.String("metrics-listen", "", "status listen address for metrics, health and the dashboard (empty disables)")
	flags.String("redis-addr", "", "Redis address for the service directory (empty disables)")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")
	flags.Duration("directory-ttl", directory.DefaultTTL, "lifetime of directory records without refresh")
	flags.Duration("directory-refresh", directory.DefaultRefresh, "refresh interval for directory records")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	lookupFlag := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookupFlag(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("STAGEDOOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "advertise-host", "register-timeout", "handshake-timeout",
		"max-inflight", "register-rate", "register-burst",
		"metrics-listen", "redis-addr", "redis-password", "redis-db",
		"directory-ttl", "directory-refresh",
		"log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newExposeCommand(baseLogger))
	cmd.AddCommand(newEchoCommand(baseLogger))
	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}
	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
