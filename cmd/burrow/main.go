package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/database"
	"github.com/cuemby/burrow/pkg/importer"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/persistence"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Transactional document backend",
	Long: `Burrow is the storage core of a serverless backend: a versioned,
transactional document store with secondary indexes, optimistic
concurrency control, bounded history retention, streaming export and
snapshot import, delivered as a single binary.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.Database, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	p, err := persistence.NewBoltPersistence(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	opts := database.DefaultOptions(cfg.InstanceName)
	opts.WriteLogMaxCount = cfg.WriteLog.MaxCount
	opts.WriteLogMaxAge = cfg.WriteLog.MaxAge.Std()
	opts.Retention.IndexDelay = cfg.Retention.IndexDelay.Std()
	opts.Retention.DocumentDelay = cfg.Retention.DocumentDelay.Std()
	db, err := database.Load(ctx, p, opts)
	if err != nil {
		p.Close()
		return nil, err
	}
	return db, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend instance",
	Long: `Run the backend: acquire the write lease, bootstrap the snapshot,
and start the committer, retention workers and metrics endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}

		// Lazy table summary bootstrap on its own task.
		go func() {
			if err := db.FinishTableSummaryBootstrap(ctx); err != nil {
				log.Errorf("Table summary bootstrap failed", err)
			}
		}()

		// Metrics endpoint
		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
				log.Errorf("Metrics server failed", err)
			}
		}()

		log.Info("Burrow instance running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("Received signal %s, shutting down", sig))
		case err := <-db.Fatal():
			log.Errorf("Fatal error, shutting down", err)
		}
		cancel()
		return db.Shutdown()
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a snapshot into a table",
	Long: `Import documents from a CSV, JSONL, JSON array or ZIP snapshot.

Replace mode stages into a hidden tablet and atomically swaps it in;
destructive replaces require --yes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		table, _ := cmd.Flags().GetString("table")
		format, _ := cmd.Flags().GetString("format")
		mode, _ := cmd.Flags().GetString("mode")
		yes, _ := cmd.Flags().GetBool("yes")

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		ctx := cmd.Context()
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Shutdown()

		im := importer.New(db)
		result, err := im.Run(ctx, importer.Request{
			Format:      importer.Format(format),
			Mode:        importer.Mode(mode),
			Table:       table,
			Data:        f,
			AutoConfirm: yes,
		})
		if err != nil {
			return err
		}
		switch result.State {
		case importer.StateWaitingForConfirmation:
			fmt.Println(result.Message)
			fmt.Printf("Import %s is waiting for confirmation; re-run with --yes to import and activate in one step\n", result.ImportID)
		default:
			fmt.Printf("Imported %d rows at ts %s\n", result.NumRows, result.Ts)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")

	importCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	importCmd.Flags().String("table", "", "Target table for single-table formats")
	importCmd.Flags().String("format", "jsonl", "Payload format (csv, jsonl, json_array, zip)")
	importCmd.Flags().String("mode", "append", "Import mode (append, require_empty, replace)")
	importCmd.Flags().Bool("yes", false, "Confirm destructive replaces")
}
