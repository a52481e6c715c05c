package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/keepsakehq/keepsake/backend/internal/domain/session"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/config"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/logging"
	"github.com/keepsakehq/keepsake/backend/internal/infrastructure/monitoring"
	"github.com/keepsakehq/keepsake/backend/internal/shared/events"
	"github.com/keepsakehq/keepsake/backend/internal/shared/types"
	"github.com/keepsakehq/keepsake/backend/internal/storage"
)

type options struct {
	configPath string
	dbPath     string
	passphrase string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Inspect and maintain Keepsake session storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "session database path (overrides config)")
	root.PersistentFlags().StringVar(&opts.passphrase, "passphrase", "", "encryption passphrase (overrides config)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newStatsCmd(opts),
		newValidateCmd(opts),
		newExportCmd(opts),
		newPruneCmd(opts),
		newClearCmd(opts),
	)
	return root
}

// loadConfig layers the config sources: defaults, then the TOML file, then
// environment variables already applied by LoadOrDefault, then flags.
func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.LoadOrDefault()

	if opts.configPath != "" {
		data, err := os.ReadFile(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if opts.dbPath != "" {
		cfg.Storage.Path = opts.dbPath
	}
	if opts.passphrase != "" {
		cfg.Storage.EnableEncryption = true
		cfg.Storage.EncryptionPassphrase = opts.passphrase
	}
	return cfg, nil
}

func openAdapter(opts *options, readOnly bool) (*storage.Adapter, *config.Config, func(), error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, err
	}

	var medium *storage.BoltMedium
	if readOnly {
		medium, err = storage.NewBoltMediumReadOnly(cfg.Storage.Path)
	} else {
		medium, err = storage.NewBoltMedium(cfg.Storage.Path)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	log := logging.NewNop()
	if opts.verbose {
		log, err = logging.New(logging.Config{Level: "debug", Development: true, OutputPaths: []string{"stderr"}})
		if err != nil {
			medium.Close()
			return nil, nil, nil, err
		}
	}

	adapter, err := storage.NewAdapter(medium, cfg.Storage, log, monitoring.NewMetrics(), events.NewEmitter())
	if err != nil {
		medium.Close()
		return nil, nil, nil, err
	}
	return adapter, cfg, func() { medium.Close() }, nil
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage usage and session metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, _, cleanup, err := openAdapter(opts, true)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := adapter.GetStorageStats()
			if err != nil {
				return err
			}

			out := map[string]interface{}{"storage": stats}
			if meta, err := adapter.GetMetadata(); err == nil {
				out["session"] = meta
			}
			return printJSON(cmd, out)
		},
	}
}

func newValidateCmd(opts *options) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check whether the persisted session is restorable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, cfg, cleanup, err := openAdapter(opts, true)
			if err != nil {
				return err
			}
			defer cleanup()

			record, err := adapter.Load()
			if err != nil {
				if errors.Is(err, storage.ErrSessionNotFound) {
					return errors.New("no session found")
				}
				return err
			}

			mgr := session.NewManager(adapter, noopCache{}, noopTracker{}, cfg.Session,
				logging.NewNop(), monitoring.NewMetrics(), events.NewEmitter())
			result := mgr.ValidateSession(record, strict)
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if !result.IsValid {
				return errors.New("session is invalid")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the persisted session record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, _, cleanup, err := openAdapter(opts, true)
			if err != nil {
				return err
			}
			defer cleanup()

			record, err := adapter.Load()
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "json":
				data, err = sonic.ConfigDefault.MarshalIndent(record, "", "  ")
			case "yaml":
				data, err = yaml.Marshal(record)
			default:
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				cmd.Print(string(data))
				return nil
			}
			return os.WriteFile(output, data, 0644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newPruneCmd(opts *options) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Trim the tracker backup log to the newest records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adapter, cfg, cleanup, err := openAdapter(opts, false)
			if err != nil {
				return err
			}
			defer cleanup()

			if keep < 0 {
				keep = cfg.Tracker.MaxBackupRecords
			}
			removed, err := adapter.PruneBackupRecords(keep)
			if err != nil {
				return err
			}
			cmd.Printf("removed %d backup record(s), kept at most %d\n", removed, keep)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", -1, "records to keep (default from config)")
	return cmd
}

func newClearCmd(opts *options) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted session and its backup slots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}

			adapter, _, cleanup, err := openAdapter(opts, false)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := adapter.Delete(); err != nil {
				return err
			}
			cmd.Println("session cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := sonic.ConfigDefault.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

// noopCache and noopTracker satisfy the manager's collaborator interfaces
// for read-only validation.
type noopCache struct{}

func (noopCache) Hydrate(_ *types.SessionRecord) {}

func (noopCache) FlushPendingWrites() error { return nil }

func (noopCache) Close() error { return nil }

type noopTracker struct{}

func (noopTracker) SaveProgress(_ bool) error { return nil }

func (noopTracker) RecoverFromCrash() (int, error) { return 0, nil }

func (noopTracker) Dispose() error { return nil }
