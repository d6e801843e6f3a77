package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/emojumpRepo/worldseek-studio/internal/config"
	"github.com/emojumpRepo/worldseek-studio/internal/proxy"
	"github.com/emojumpRepo/worldseek-studio/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	root := &cobra.Command{
		Use:          "worldseek",
		Short:        "Workflow proxy for the WorldSeek studio",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", cfgFile, err)
				}
			} else {
				v.SetConfigName("worldseek")
				v.SetConfigType("yaml")
				v.AddConfigPath(".")
				v.AddConfigPath("$HOME/.worldseek")
				if err := v.ReadInConfig(); err != nil {
					var notFound viper.ConfigFileNotFoundError
					if !errors.As(err, &notFound) {
						return fmt.Errorf("read config: %w", err)
					}
				}
			}
			level := slog.LevelInfo
			if v.GetBool("verbose") || v.GetBool("debug") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("host", "127.0.0.1", "Bind host")
	flags.Int("port", 8080, "Listen port")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.Bool("debug", false, "Dump inbound and upstream HTTP traffic to stderr")
	flags.String("db-dialect", "sqlite", "Database dialect (sqlite|postgres)")
	flags.String("db-dsn", "worldseek.db", "Database DSN")
	for key, name := range map[string]string{
		"host":             "host",
		"port":             "port",
		"verbose":          "verbose",
		"debug":            "debug",
		"database.dialect": "db-dialect",
		"database.dsn":     "db-dsn",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newConfigCmd(v))
	root.AddCommand(newSeedCmd(v))
	root.AddCommand(newVersionCmd())
	return root
}

func openStore(ctx context.Context, cfg *config.ServerConfig) (*store.Store, error) {
	dialect, err := store.ParseDialect(cfg.DBDialect)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, dialect, cfg.DBDSN)
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg)
			if err != nil {
				slog.Error("store.open.failed", "dialect", cfg.DBDialect, "error", err)
				return err
			}
			defer st.Close()

			srv := proxy.New(cfg, st)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				slog.Info("server.shutdown")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			slog.Info("worldseek.start",
				"host", cfg.Host,
				"port", cfg.Port,
				"dialect", cfg.DBDialect,
				"langflow", cfg.Langflow.BaseURL,
			)
			if err := g.Wait(); err != nil {
				slog.Error("server.error", "error", err)
				return err
			}
			return nil
		},
	}
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(proxy.APIKeysView(cfg))
		},
	}
}

func newSeedCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.json>",
		Short: "Upsert workflows and agents from a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := store.DecodeSeed(f)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Import(cmd.Context(), seed); err != nil {
				return err
			}
			slog.Info("seed.done", "workflows", len(seed.Workflows), "agents", len(seed.Agents))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "worldseek", version)
		},
	}
}
