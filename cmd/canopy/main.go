package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/gitsync"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/orchestrator"
	"github.com/canopyhq/canopy/pkg/preview"
	"github.com/canopyhq/canopy/pkg/realtime"
	"github.com/canopyhq/canopy/pkg/search"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
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
	Use:   "canopy",
	Short: "Canopy - graph outliner with git and realtime sync",
	Long: `Canopy is a personal outliner whose notes form a directed graph
kept consistent across an editable Markdown buffer, a file-per-node
git directory for offline peers, and a realtime push channel.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Canopy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Config file path")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gitSyncCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(searchCmd)
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

func openStore(cfg *config.Config) (*store.DB, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return store.Open(cfg.DBDir(), store.Options{
		ShortIDBytes:      cfg.Editor.ShortIDBytes,
		ConflictMarker:    cfg.Editor.ConflictMarker,
		EncryptionKeyFile: cfg.EncryptionKeyFile(),
	})
}

// bootstrap prepares the store and repository: root node, client identity,
// git init. Only bootstrap failures are fatal to the host.
func bootstrap(ctx context.Context, cfg *config.Config, db *store.DB) (types.Client, error) {
	var client types.Client
	err := db.Update(func(txn *store.Txn) error {
		if _, err := txn.EnsureRoot(); err != nil {
			return err
		}
		var err error
		client, err = txn.EnsureClient()
		return err
	})
	if err != nil {
		return client, err
	}
	if cfg.Git.Enabled {
		syncer := gitsync.New(db, cfg.Git, cfg.GitDir())
		if err := syncer.EnsureRepo(ctx, client); err != nil {
			return client, err
		}
	}
	return client, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data directory, store and git repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := bootstrap(cmd.Context(), cfg, db); err != nil {
			return err
		}
		var rootID types.NodeID
		if err := db.View(func(txn *store.Txn) error {
			var rootErr error
			rootID, rootErr = txn.RootID()
			return rootErr
		}); err != nil {
			return err
		}
		fmt.Printf("✓ Initialized %s (root node %s)\n", cfg.DataDir, rootID)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine: orchestrator, directory sync, realtime and preview listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
		defer stop()

		client, err := bootstrap(ctx, cfg, db)
		if err != nil {
			return err
		}

		var rootID types.NodeID
		if err := db.View(func(txn *store.Txn) error {
			var rootErr error
			rootID, rootErr = txn.RootID()
			return rootErr
		}); err != nil {
			return err
		}

		editor, err := orchestrator.NewFileEditor(orchestrator.NodeFilePath(cfg.FileDir(), rootID, false))
		if err != nil {
			return err
		}

		gitTrigger := orchestrator.NewTrigger()
		orch := orchestrator.New(db, cfg, editor, nil, nil, gitTrigger)

		if cfg.Realtime.Enabled && cfg.Realtime.Endpoint != "" {
			transport := realtime.NewWebsocketTransport(cfg.Realtime.Endpoint)
			session := realtime.NewSession(db, transport, client, orch.Trigger)
			orch.SetBroadcaster(session)
			session.Start(ctx)
			fmt.Println("✓ Realtime sync started")
		}

		if cfg.Git.Enabled {
			syncer := gitsync.New(db, cfg.Git, cfg.GitDir())
			go syncer.Run(ctx, gitTrigger.C(), orch.Trigger)
			fmt.Println("✓ Directory sync started")
		}

		listener := preview.NewListener(db, cfg.PreviewPort)
		go func() {
			if err := listener.Serve(ctx); err != nil {
				log.Errorf("preview listener failed", err)
			}
		}()
		fmt.Printf("✓ Preview listener on localhost:%d\n", cfg.PreviewPort)

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					fmt.Printf("Metrics server error: %v\n", err)
				}
			}()
			fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.MetricsAddr)
		}

		if err := orch.WatchFiles(ctx, cfg.FileDir()); err != nil {
			return err
		}
		orch.Trigger()
		fmt.Printf("✓ Watching %s\n", cfg.FileDir())

		orch.Run(ctx)
		return nil
	},
}

var gitSyncCmd = &cobra.Command{
	Use:   "gitsync",
	Short: "Run one directory sync cycle",
	Long: `Reconciles the file-per-node git directory with the store: commit,
fetch, merge, fold remote changes into the store, regenerate changed
node files and push.

Exits non-zero on unrecoverable errors (merge conflicts, lock
acquisition failure).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
		defer stop()

		client, err := bootstrap(ctx, cfg, db)
		if err != nil {
			return err
		}
		syncer := gitsync.New(db, cfg.Git, cfg.GitDir())
		if err := syncer.EnsureRepo(ctx, client); err != nil {
			return err
		}
		return syncer.Sync(ctx, nil)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <node-id>",
	Short: "Render a node preview pane",
	Long: `Renders the preview pane for a node: content, children and parents,
sized from FZF_PREVIEW_COLUMNS and FZF_PREVIEW_LINES.

With --attach the request goes to a running serve listener; otherwise
the store is read directly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		id := types.NodeID(args[0])
		if !id.Valid() {
			return fmt.Errorf("pass the node id in UUID format, got %q", args[0])
		}
		width, height := preview.Size()

		attach, _ := cmd.Flags().GetBool("attach")
		if attach {
			lines, err := previewViaListener(cfg, id, width, height)
			if err == nil {
				fmt.Println(strings.Join(lines, "\n"))
				return nil
			}
			fmt.Fprintf(os.Stderr, "could not reach listener: %v\n", err)
		}

		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		lines, err := preview.Node(db, id, width, height, preview.DefaultDepth)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(lines, "\n"))
		return nil
	},
}

// previewViaListener sends one preview_node request to a running listener.
func previewViaListener(cfg *config.Config, id types.NodeID, width, height int) ([]string, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", cfg.PreviewPort))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode([]any{"preview_node", []any{id, width, height, preview.DefaultDepth}, map[string]any{}}); err != nil {
		return nil, err
	}
	var lines []string
	if err := json.NewDecoder(conn).Decode(&lines); err != nil {
		return nil, err
	}
	_ = encoder.Encode([]any{"close_connection", []any{}, map[string]any{}})
	return lines, nil
}

var searchCmd = &cobra.Command{
	Use:   "search [keywords...]",
	Short: "List nodes matching keyword prefixes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		lines, err := search.MatchingNodes(db, search.Query(strings.Join(args, " ")))
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(lines, "\n"))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{initCmd, serveCmd, gitSyncCmd, previewCmd, searchCmd} {
		cmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	}
	previewCmd.Flags().Bool("attach", false, "Use a running serve listener")
}
