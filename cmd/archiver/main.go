package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/attachment-archiver/internal/blobstore"
	"github.com/nhle/attachment-archiver/internal/cleanup"
	"github.com/nhle/attachment-archiver/internal/config"
	"github.com/nhle/attachment-archiver/internal/credential"
	"github.com/nhle/attachment-archiver/internal/engine"
	"github.com/nhle/attachment-archiver/internal/index"
	imapsource "github.com/nhle/attachment-archiver/internal/mailbox/imap"
	"github.com/nhle/attachment-archiver/internal/search"
	archsync "github.com/nhle/attachment-archiver/internal/sync"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "archiver",
		Short:         "Archive mail attachments into a deduplicated local store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", config.DefaultPath(), "path to the configuration file",
	)

	rootCmd.AddCommand(
		newProcessCmd(&configPath),
		newWatchCmd(&configPath),
		newSearchCmd(&configPath),
		newCleanupCmd(&configPath),
		newCredentialCmd(&configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newProcessCmd(configPath *string) *cobra.Command {
	var folder string
	var deleteAfter bool

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Fetch new messages and archive their attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if folder != "" {
				cfg.Folder = folder
			}
			if cmd.Flags().Changed("delete") {
				cfg.DeleteAfterArchive = deleteAfter
			}
			if err := prepareMailboxConfig(cfg); err != nil {
				return err
			}

			logger, closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()
			slog.SetDefault(logger)

			eng, teardown, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer teardown()

			run, err := eng.ProcessNew(cmd.Context(), cfg.Folder)
			if err != nil {
				return fmt.Errorf("run %s: %w", run.ID, err)
			}

			s := run.Summary
			fmt.Printf("archived %d, skipped %d, failed %d of %d messages (%d attachments, %d bytes new, %d deduplicated) in %s\n",
				s.Archived, s.Skipped, s.Failed, s.Listed,
				s.Attachments, s.BlobBytes, s.DedupHits, s.Duration.Round(time.Millisecond))
			if cfg.DeleteAfterArchive {
				fmt.Printf("deleted %d archived messages from the mailbox\n", s.Deleted)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "mailbox folder to archive (overrides config)")
	cmd.Flags().BoolVar(&deleteAfter, "delete", false, "delete fully archived messages from the mailbox")
	return cmd
}

func newWatchCmd(configPath *string) *cobra.Command {
	var folders []string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Archive new attachments continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.PollInterval = interval
			}
			if err := prepareMailboxConfig(cfg); err != nil {
				return err
			}

			logger, closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()
			slog.SetDefault(logger)

			eng, teardown, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer teardown()

			poller := archsync.New(eng, cfg.PollInterval, logger)
			if len(folders) == 0 {
				folders = []string{cfg.Folder}
			}
			for _, f := range folders {
				poller.AddFolder(f)
			}

			logger.Info("watching for new messages",
				"folders", strings.Join(folders, ","), "interval", cfg.PollInterval)

			ctx := cmd.Context()
			poller.Start(ctx)
			<-ctx.Done()
			poller.Stop()

			fmt.Println("stopped")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&folders, "folder", nil,
		"mailbox folders to watch (repeatable, overrides config)")
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Minute,
		"pause between passes (overrides config)")
	return cmd
}

func newSearchCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search archived attachments by sender, subject, or filename",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.IndexPath == "" {
				return fmt.Errorf("no index configured: set archive_root or index_path")
			}

			ix, err := index.Open(cfg.IndexPath)
			if err != nil {
				return err
			}
			defer ix.Close()

			query := strings.Join(args, " ")
			results, err := search.NewSearcher(ix).Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}

			for _, rec := range results {
				fmt.Printf("%s  %-28s  %-36s  %s\n",
					rec.ReceivedAt.Format("2006-01-02"),
					rec.Sender, rec.Filename, rec.ArchivePath)
			}
			fmt.Printf("%d results\n", len(results))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", search.DefaultLimit, "maximum number of results")
	return cmd
}

func newCleanupCmd(configPath *string) *cobra.Command {
	var folder string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete verified archived messages from the mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if folder != "" {
				cfg.Folder = folder
			}
			if err := prepareMailboxConfig(cfg); err != nil {
				return err
			}

			logger, closeLog, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()
			slog.SetDefault(logger)

			eng, teardown, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer teardown()

			deleted, err := eng.Cleanup(cmd.Context(), cfg.Folder)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d archived messages from %s\n", deleted, cfg.Folder)
			return nil
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "mailbox folder to clean up (overrides config)")
	return cmd
}

func newCredentialCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP password in the OS keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the IMAP password for the configured address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.IMAP.Address == "" {
				return fmt.Errorf("imap.address is required to store a credential")
			}

			fmt.Printf("Password for %s: ", cfg.IMAP.Address)
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("reading password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return fmt.Errorf("empty password not stored")
			}

			if err := credential.Set(credential.IMAPKey(cfg.IMAP.Address), password); err != nil {
				return err
			}
			fmt.Println("credential stored")
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored IMAP password",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.IMAP.Address == "" {
				return fmt.Errorf("imap.address is required to delete a credential")
			}
			if err := credential.Delete(credential.IMAPKey(cfg.IMAP.Address)); err != nil {
				return err
			}
			fmt.Println("credential removed")
			return nil
		},
	}

	cmd.AddCommand(setCmd, deleteCmd)
	return cmd
}

// prepareMailboxConfig resolves the IMAP password (keyring after file and
// environment) and validates everything a mailbox-facing command needs.
func prepareMailboxConfig(cfg *config.Config) error {
	if cfg.IMAP.Password == "" && cfg.IMAP.Address != "" {
		if password, err := credential.Get(credential.IMAPKey(cfg.IMAP.Address)); err == nil {
			cfg.IMAP.Password = password
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.IMAP.Password == "" {
		return fmt.Errorf(
			"no IMAP password: set imap.password, %s, or run 'archiver credential set'",
			config.PasswordEnvVar,
		)
	}
	return nil
}

// buildEngine opens the index, blob store, and IMAP client and wires the
// engine. The returned teardown closes them in reverse order.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, func(), error) {
	blobs, err := blobstore.New(cfg.ArchiveRoot)
	if err != nil {
		return nil, nil, err
	}

	ix, err := index.Open(cfg.IndexPath)
	if err != nil {
		return nil, nil, err
	}

	src := imapsource.NewClient(imapsource.Options{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		TLS:      cfg.IMAP.TLS,
		Address:  cfg.IMAP.Address,
		Password: cfg.IMAP.Password,
	})

	sweeper := cleanup.New(ix, blobs, logger)
	eng := engine.New(src, ix, blobs, sweeper, engine.Options{
		Workers:            cfg.Workers,
		MaxMessages:        cfg.MaxMessagesPerRun,
		MaxErrors:          cfg.MaxErrors,
		RunTimeout:         cfg.RunTimeout,
		DeleteAfterArchive: cfg.DeleteAfterArchive,
	}, logger)

	teardown := func() {
		if err := src.Close(); err != nil {
			logger.Warn("closing mailbox connection", "error", err)
		}
		if err := ix.Close(); err != nil {
			logger.Warn("closing index", "error", err)
		}
	}
	return eng, teardown, nil
}

func setupLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	closeLog := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, closeLog, err
		}

		logFilePath := filepath.Join(
			cfg.LogDir,
			fmt.Sprintf("archiver-%s.log", time.Now().Format("20060102T150405")),
		)
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, closeLog, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		closeLog = func() error {
			return file.Close()
		}
		return slog.New(handler), closeLog, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), closeLog, nil
}
