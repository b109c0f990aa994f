// Command agentstore is a thin operator CLI over the agentstore library:
// provision or open a store, apply migrations, rotate the embedded
// backend's passphrase, and inspect the effective configuration. All
// [MODULE] semantics live in the library packages; this binary only wires
// them to a command line, mirroring the shape of the teacher's cmd/bd tree
// at a fraction of the size.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openwallet-labs/agentstore"
)

var (
	configPath string
	storeURI   string
	profile    string
	jsonOutput bool
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentstore",
	Short: "agentstore - wallet storage core admin CLI",
	Long:  `Provision, open, migrate, and rekey an agentstore wallet storage core.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg, err := effectiveConfig()
		level := slog.LevelInfo
		if err == nil {
			level = parseLevel(cfg.LogLevel)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agentstore.toml", "path to the TOML config manifest")
	rootCmd.PersistentFlags().StringVar(&storeURI, "store", "", "store URI (sqlite://path or postgres://...), overrides config file")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "profile name (default: the store's default profile)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output machine-readable JSON where supported")

	rootCmd.AddCommand(provisionCmd, openCmd, migrateCmd, rekeyCmd, configCmd)
}

// effectiveConfig loads the TOML manifest, overlays AGENTSTORE_* env vars,
// then overlays any explicit --store/--profile flags, in that priority
// order (flags > env > file > defaults).
func effectiveConfig() (fileConfig, error) {
	cfg, err := loadFileConfig(configPath)
	if err != nil {
		return fileConfig{}, err
	}
	cfg = applyEnvOverrides(cfg)
	if storeURI != "" {
		cfg.StoreURI = storeURI
	}
	if profile != "" {
		cfg.DefaultProfile = profile
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseLeakThreshold(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "create a fresh store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		recreate, _ := cmd.Flags().GetBool("recreate")
		ctx := context.Background()
		store, err := agentstore.Provision(ctx, cfg.StoreURI, agentstore.ProvisionOptions{
			ProfileName:   cfg.DefaultProfile,
			Recreate:      recreate,
			ReleaseNumber: agentstore.Release(cfg.Release),
			Sessions: agentstore.SessionConfig{
				MaxSessions:   cfg.MaxSessions,
				LeakThreshold: parseLeakThreshold(cfg.LeakThreshold),
			},
		})
		if err != nil {
			return fmt.Errorf("provision: %w", err)
		}
		defer store.Close(ctx, false)
		logger.Info("provisioned store", "uri", cfg.StoreURI, "release", cfg.Release)
		return nil
	},
}

func init() {
	provisionCmd.Flags().Bool("recreate", false, "drop and recreate if the store already exists")
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "open an existing store and report its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := agentstore.Open(ctx, cfg.StoreURI, agentstore.OpenOptions{ProfileName: cfg.DefaultProfile})
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer store.Close(ctx, false)
		if jsonOutput {
			fmt.Printf("{\"uri\":%q,\"active_sessions\":%d}\n", cfg.StoreURI, store.ActiveSessions())
			return nil
		}
		fmt.Printf("opened %s (active sessions: %d)\n", cfg.StoreURI, store.ActiveSessions())
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <target-release>",
	Short: "walk the store forward to the given schema release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := agentstore.Open(ctx, cfg.StoreURI, agentstore.OpenOptions{ProfileName: cfg.DefaultProfile})
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer store.Close(ctx, false)

		skipped, err := store.Migrate(ctx, agentstore.Release(args[0]))
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		for _, pair := range skipped {
			logger.Warn("no registered migration procedure, assuming no schema change", "step", pair)
		}
		logger.Info("migration complete", "target", args[0])
		return nil
	},
}

var rekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "rotate the embedded store's at-rest passphrase digest",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		passphrase, _ := cmd.Flags().GetString("passphrase")
		if passphrase == "" {
			return fmt.Errorf("rekey: --passphrase is required")
		}
		ctx := context.Background()
		store, err := agentstore.Open(ctx, cfg.StoreURI, agentstore.OpenOptions{ProfileName: cfg.DefaultProfile})
		if err != nil {
			return fmt.Errorf("rekey: %w", err)
		}
		defer store.Close(ctx, false)

		if err := store.Rekey(ctx, []byte(passphrase)); err != nil {
			return fmt.Errorf("rekey: %w", err)
		}
		logger.Info("rekey complete")
		return nil
	},
}

func init() {
	rekeyCmd.Flags().String("passphrase", "", "new at-rest passphrase")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "inspect or seed the TOML config manifest",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		out, err := encodeFileConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "write a starter config manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config init: %s already exists", configPath)
		}
		out, err := encodeFileConfig(defaultFileConfig())
		if err != nil {
			return err
		}
		if err := os.WriteFile(configPath, out, 0o600); err != nil {
			return fmt.Errorf("config init: %w", err)
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
}
