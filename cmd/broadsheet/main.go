package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cqroot/prompt"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/matthewjhunter/broadsheet"
	"github.com/matthewjhunter/broadsheet/internal/config"
	"github.com/matthewjhunter/broadsheet/internal/output"
)

var (
	configPath   string
	cfg          *config.Config
	outputFormat string
	assumeYes    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "broadsheet",
		Short:         "Local-first RSS/Atom feed reader engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := output.ParseFormat(outputFormat); err != nil {
				return err
			}
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path, .yaml or .toml (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "human", "output format: json, text, human")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmation prompts")

	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(toggleCmd())
	rootCmd.AddCommand(deletePostCmd())
	rootCmd.AddCommand(addFeedCmd())
	rootCmd.AddCommand(deleteFeedCmd())
	rootCmd.AddCommand(moveFeedCmd())
	rootCmd.AddCommand(feedsCmd())
	rootCmd.AddCommand(categoriesCmd())
	rootCmd.AddCommand(exportFeedsCmd())
	rootCmd.AddCommand(importFeedsCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(resetDBCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(initConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, broadsheet.ErrCorrupt) {
			fmt.Fprintln(os.Stderr, "The database is corrupt; run `broadsheet reset-db` to start over.")
		}
		os.Exit(1)
	}
}

func loadConfig() error {
	explicit := configPath != ""
	if !explicit {
		configPath = config.DefaultPath
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) && !explicit {
		cfg = config.DefaultConfig()
	} else {
		loaded, unknown, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		for _, key := range unknown {
			log.WithField("config", configPath).Warnf("unrecognized config key: %s", key)
		}
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	return nil
}

func engineConfig(reg prometheus.Registerer) broadsheet.EngineConfig {
	sources := cfg.Sources()
	ec := broadsheet.EngineConfig{
		DBPath:           cfg.Database.Path,
		Workers:          cfg.Refresh.Workers,
		FetchTimeout:     cfg.Refresh.FetchTimeout,
		BackoffBase:      cfg.Refresh.BackoffBase,
		BackoffMax:       cfg.Refresh.BackoffMax,
		UserAgent:        cfg.Refresh.UserAgent,
		FreshPerCategory: cfg.View.FreshPerCategory,
		RetentionDays:    cfg.Retention.Days,
		StartupCleanup:   cfg.Retention.StartupCleanup,
		ProtectArchived:  cfg.Retention.ProtectArchived,
		Sources:          make([]broadsheet.FeedSource, len(sources)),
		Registerer:       reg,
	}
	for i, s := range sources {
		ec.Sources[i] = broadsheet.FeedSource{URL: s.URL, Category: s.Category}
	}
	return ec
}

func openEngine() (*broadsheet.Engine, error) {
	return broadsheet.NewEngine(engineConfig(nil))
}

func newFormatter() *output.Formatter {
	return output.NewFormatter(output.Format(outputFormat))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// confirm asks a yes/no question unless --yes was given.
func confirm(question string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	answer, err := prompt.New().Ask(question).Choose([]string{"No", "Yes"})
	if err != nil {
		return false, err
	}
	return answer == "Yes", nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s ID %q", what, s)
	}
	return id, nil
}

// resolveCategory accepts a category ID or a case-insensitive name.
func resolveCategory(engine *broadsheet.Engine, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	categories, err := engine.Categories()
	if err != nil {
		return 0, err
	}
	for _, c := range categories {
		if strings.EqualFold(c.Name, strings.TrimSpace(ref)) {
			return c.ID, nil
		}
	}
	return 0, fmt.Errorf("category %q: %w", ref, broadsheet.ErrNotFound)
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch every subscribed feed and merge new posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			report, err := engine.Refresh(ctx)
			if err != nil {
				return err
			}
			return newFormatter().OutputRefreshReport(report)
		},
	}
}

func listCmd() *cobra.Command {
	var (
		viewName    string
		category    string
		includeRead bool
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posts in a view",
		Long: `List posts in a view: fresh, starred, read-later, archived, category or all.
Read posts are hidden unless --all is given; the archived view always shows them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			req := broadsheet.ListRequest{
				View:        broadsheet.View(strings.ReplaceAll(viewName, "-", "_")),
				IncludeRead: includeRead,
			}
			if category != "" {
				id, err := resolveCategory(engine, category)
				if err != nil {
					return err
				}
				req.CategoryID = &id
			}

			posts, err := engine.List(req)
			if err != nil {
				return err
			}
			if limit > 0 && len(posts) > limit {
				posts = posts[:limit]
			}
			return newFormatter().OutputPostList(posts)
		},
	}
	cmd.Flags().StringVarP(&viewName, "view", "v", "fresh", "view: fresh, starred, read-later, archived, category, all")
	cmd.Flags().StringVar(&category, "category", "", "category name or ID (required for the category view)")
	cmd.Flags().BoolVarP(&includeRead, "all", "a", false, "include read posts")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of posts to show (0 for no limit)")
	return cmd
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <post-id>",
		Short: "Show a post and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			postID, err := parseID(args[0], "post")
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			post, err := engine.Open(postID)
			if err != nil {
				return err
			}
			return newFormatter().OutputPost(post)
		},
	}
}

func toggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <post-id> <read|star|save|archive>",
		Short: "Flip one flag of a post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			postID, err := parseID(args[0], "post")
			if err != nil {
				return err
			}
			flag, err := broadsheet.ParseFlag(args[1])
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			post, err := engine.ToggleState(postID, flag)
			if err != nil {
				return err
			}
			value := map[broadsheet.Flag]bool{
				broadsheet.FlagRead:      post.Read,
				broadsheet.FlagStarred:   post.Starred,
				broadsheet.FlagReadLater: post.ReadLater,
				broadsheet.FlagArchived:  post.Archived,
			}[flag]
			return newFormatter().OutputEvent("post_updated",
				fmt.Sprintf("Post %d: %s = %t", post.ID, flag, value),
				map[string]interface{}{"post_id": post.ID, "flag": string(flag), "value": value})
		},
	}
}

func deletePostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-post <post-id>",
		Short: "Delete a single post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			postID, err := parseID(args[0], "post")
			if err != nil {
				return err
			}
			ok, err := confirm(fmt.Sprintf("Delete post %d?", postID))
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.DeletePost(postID, ok); err != nil {
				return err
			}
			return newFormatter().OutputEvent("post_deleted",
				fmt.Sprintf("Deleted post %d", postID),
				map[string]interface{}{"post_id": postID})
		},
	}
}

func addFeedCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "add-feed <url>",
		Short: "Subscribe to a feed (fetched on the next refresh)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			feed, err := engine.AddFeed(args[0], category)
			if err != nil {
				return err
			}
			return newFormatter().OutputEvent("feed_added",
				fmt.Sprintf("Added feed %d: %s", feed.ID, feed.URL),
				map[string]interface{}{"feed_id": feed.ID, "url": feed.URL, "category": feed.CategoryName})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category name, created if it does not exist")
	return cmd
}

func deleteFeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-feed <feed-id>",
		Short: "Unsubscribe from a feed and delete its posts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedID, err := parseID(args[0], "feed")
			if err != nil {
				return err
			}
			ok, err := confirm(fmt.Sprintf("Delete feed %d and all of its posts?", feedID))
			if err != nil {
				return err
			}
			if !ok {
				return broadsheet.ErrConfirmationRequired
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			removed, err := engine.DeleteFeed(feedID)
			if err != nil {
				return err
			}
			return newFormatter().OutputEvent("feed_deleted",
				fmt.Sprintf("Deleted feed %d and %d posts", feedID, removed),
				map[string]interface{}{"feed_id": feedID, "posts_deleted": removed})
		},
	}
}

func moveFeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move-feed <feed-id> [category]",
		Short: "Move a feed to another category (omit the category to uncategorize it)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedID, err := parseID(args[0], "feed")
			if err != nil {
				return err
			}
			category := ""
			if len(args) == 2 {
				category = args[1]
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			feed, err := engine.RecategorizeFeed(feedID, category)
			if err != nil {
				return err
			}
			return newFormatter().OutputEvent("feed_moved",
				fmt.Sprintf("Moved feed %d to %q", feed.ID, feed.CategoryName),
				map[string]interface{}{"feed_id": feed.ID, "category": feed.CategoryName})
		},
	}
}

func feedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feeds",
		Short: "List subscribed feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			feeds, err := engine.Feeds()
			if err != nil {
				return err
			}
			return newFormatter().OutputFeeds(feeds)
		},
	}
}

func categoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "List and manage categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			categories, err := engine.Categories()
			if err != nil {
				return err
			}
			return newFormatter().OutputCategories(categories)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			c, err := engine.AddCategory(args[0])
			if err != nil {
				return err
			}
			return newFormatter().OutputEvent("category_added",
				fmt.Sprintf("Category %d: %s", c.ID, c.Name),
				map[string]interface{}{"category_id": c.ID, "name": c.Name})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rename <category> <new-name>",
		Short: "Rename a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			id, err := resolveCategory(engine, args[0])
			if err != nil {
				return err
			}
			if err := engine.RenameCategory(id, args[1]); err != nil {
				return err
			}
			return newFormatter().OutputEvent("category_renamed",
				fmt.Sprintf("Renamed category %d to %s", id, args[1]),
				map[string]interface{}{"category_id": id, "name": args[1]})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <category>",
		Short: "Delete a category; its feeds become uncategorized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			id, err := resolveCategory(engine, args[0])
			if err != nil {
				return err
			}
			if err := engine.DeleteCategory(id); err != nil {
				return err
			}
			return newFormatter().OutputEvent("category_deleted",
				fmt.Sprintf("Deleted category %d", id),
				map[string]interface{}{"category_id": id})
		},
	})
	return cmd
}

func exportFeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-feeds [file]",
		Short: "Write subscriptions as OPML (to stdout without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			data, err := engine.ExportOPML()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err := os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", args[0], err)
			}
			return newFormatter().OutputEvent("feeds_exported",
				fmt.Sprintf("Exported subscriptions to %s", args[0]),
				map[string]interface{}{"path": args[0]})
		},
	}
}

func importFeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-feeds <opml-file>",
		Short: "Subscribe to the feeds in an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read OPML: %w", err)
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			report, err := engine.ImportOPML(data)
			if report != nil {
				if outErr := newFormatter().OutputImportReport(report); outErr != nil {
					return outErr
				}
			}
			return err
		},
	}
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old posts that are not starred or saved for later",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = cfg.Retention.Days
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			deleted, err := engine.Purge(days)
			if err != nil {
				return err
			}
			return newFormatter().OutputEvent("cleanup",
				fmt.Sprintf("Deleted %d posts older than %d days", deleted, days),
				map[string]interface{}{"deleted": deleted, "days": days})
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "delete posts fetched more than this many days ago (default: retention.days)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show feed and post counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			stats, err := engine.Stats()
			if err != nil {
				return err
			}
			return newFormatter().OutputStats(stats)
		},
	}
}

func resetDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-db",
		Short: "Delete all feeds, categories and posts",
		Long: `Delete all feeds, categories and posts. When the database file is corrupt
it is removed and recreated on the next command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := confirm(fmt.Sprintf("Delete ALL data in %s?", cfg.Database.Path))
			if err != nil {
				return err
			}
			if !ok {
				return broadsheet.ErrConfirmationRequired
			}

			engine, err := broadsheet.NewEngine(broadsheet.EngineConfig{DBPath: cfg.Database.Path})
			if errors.Is(err, broadsheet.ErrCorrupt) {
				if err := broadsheet.ResetStore(cfg.Database.Path); err != nil {
					return err
				}
				return newFormatter().OutputEvent("reset",
					fmt.Sprintf("Removed corrupt database %s", cfg.Database.Path),
					map[string]interface{}{"path": cfg.Database.Path, "removed": true})
			}
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Reset(true); err != nil {
				return err
			}
			return newFormatter().OutputEvent("reset",
				fmt.Sprintf("Deleted all data in %s", cfg.Database.Path),
				map[string]interface{}{"path": cfg.Database.Path, "removed": false})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show configuration and database locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, err := filepath.Abs(cfg.Database.Path)
			if err != nil {
				dbPath = cfg.Database.Path
			}
			fields := map[string]interface{}{
				"config":           configPath,
				"database":         dbPath,
				"workers":          cfg.Refresh.Workers,
				"retention_days":   cfg.Retention.Days,
				"protect_archived": cfg.Retention.ProtectArchived,
			}
			msg := fmt.Sprintf("Config:   %s\nDatabase: %s\nWorkers:  %d\nRetention: %d days",
				configPath, dbPath, cfg.Refresh.Workers, cfg.Retention.Days)
			return newFormatter().OutputEvent("info", msg, fields)
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Create config directory
			dir := filepath.Dir(configPath)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}

			// Check if config already exists
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists: %s", configPath)
			}

			data, err := config.Marshal(config.DefaultConfig(), configPath)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			if err := os.WriteFile(configPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			return newFormatter().OutputEvent("config_created",
				fmt.Sprintf("Created default config at %s", configPath),
				map[string]interface{}{"path": configPath})
		},
	}
}
