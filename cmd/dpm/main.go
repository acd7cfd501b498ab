package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dpm-go/internal/app"
	"dpm-go/internal/config"
	"dpm-go/internal/dpm"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", dpm.ErrorKindOf(err), err)
		os.Exit(1)
	}
}

// newApp reads the package config and creates a DPMApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Sync", "CreateCR").
func newApp(ctx context.Context, operation string, args []string) (*app.DPMApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	root := defaults["root"]
	if root == "" {
		return nil, &dpm.UsageError{Message: "not inside a dpm package: no " + config.FileName + " found"}
	}

	cfg, err := config.ReadFromRoot(root)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaults["log_dir"]
	}

	a, err := app.NewDPMApp(ctx, root, cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// crFlag returns the --cr flag, or nil when it was not given.
func crFlag(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("cr") {
		return nil
	}
	cr, _ := cmd.Flags().GetInt64("cr")
	return &cr
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func colorState(s dpm.FileState) string {
	label := fmt.Sprintf("%-10s", s)
	switch s {
	case dpm.StateAdded:
		return green(label)
	case dpm.StateModified:
		return yellow(label)
	case dpm.StateDeleted, dpm.StateConflicted:
		return red(label)
	case dpm.StateUntracked:
		return faint(label)
	default:
		return label
	}
}

func colorTranslation(s dpm.TranslationState) string {
	label := fmt.Sprintf("%-12s", s)
	switch s {
	case dpm.StateUpToDate:
		return green(label)
	case dpm.StateOutdated:
		return yellow(label)
	case dpm.StateMissing:
		return red(label)
	default:
		return cyan(label)
	}
}

func printConflicts(conflicts []dpm.Conflict) {
	for _, c := range conflicts {
		local, remote := c.LocalVersion.String(), c.RemoteVersion.String()
		if c.LocalDeleted {
			local = "deleted"
		}
		if c.RemoteDeleted {
			remote = "deleted"
		}
		fmt.Printf("%s %s (local %s, remote %s)\n", red("conflict"), c.Filename, local, remote)
	}
}

var rootCmd = &cobra.Command{
	Use:           "dpm",
	Short:         "Document package manager",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// init command
var initCmd = &cobra.Command{
	Use:   "init NAME",
	Short: "Create a package in the current directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		root := os.Getenv("DPM_ROOT")
		if root == "" {
			if root, err = os.Getwd(); err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
		}

		cfg := config.NewConfig(args[0], defaults["base_dir"])
		cfg.Package.Language, _ = cmd.Flags().GetString("language")
		cfg.Package.TranslationOf, _ = cmd.Flags().GetString("translation-of")
		cfg.Archive.Encrypted, _ = cmd.Flags().GetBool("encrypted")
		if url, _ := cmd.Flags().GetString("remote"); url != "" {
			cfg.Remote = config.RemoteConfig{Type: "http", URL: url}
		}

		var passphrase string
		if cfg.Archive.Encrypted {
			if passphrase, err = app.GetPassphrase(); err != nil {
				return err
			}
		}

		if err := app.InitPackage(root, cfg, passphrase); err != nil {
			return fmt.Errorf("failed to initialize package: %w", err)
		}

		fmt.Printf("Package %s initialized at %s\n", args[0], root)
		if cfg.Remote.URL != "" {
			fmt.Println("Run `dpm sync` to fetch the package from its remote.")
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		if defaults["root"] == "" {
			return &dpm.UsageError{Message: "not inside a dpm package: no " + config.FileName + " found"}
		}

		cfg, err := config.ReadFromRoot(defaults["root"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s/%s:\n\n", defaults["root"], config.FileName)
		fmt.Printf("Package:        %s\n", cfg.Package.Name)
		if cfg.Package.Language != "" {
			fmt.Printf("Language:       %s\n", cfg.Package.Language)
		}
		if cfg.Package.TranslationOf != "" {
			fmt.Printf("Translation of: %s\n", cfg.Package.TranslationOf)
		}
		fmt.Printf("Database:       %s\n", cfg.Database.Type)
		fmt.Printf("Archive:        %s (encrypted: %t)\n", cfg.Archive.Type, cfg.Archive.Encrypted)
		if cfg.Remote.Type != "" {
			fmt.Printf("Remote:         %s %s\n", cfg.Remote.Type, cfg.Remote.URL)
		}
		fmt.Printf("Cache:          %s\n", cfg.Cache.Type)
		fmt.Printf("Server:         %s:%d\n", cfg.Server.Bind, cfg.Server.Port)
		fmt.Printf("Log Dir:        %s\n", cfg.LogDir)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [PATH...]",
	Short: "Show pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Status", args)
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.Status(cmd.Context(), args)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}

		for _, s := range statuses {
			where := ""
			if s.CR != nil {
				where = fmt.Sprintf("  [CR#%d]", *s.CR)
			}
			fmt.Printf("%s %s%s\n", colorState(s.State), s.Filename, where)
		}
		return nil
	},
}

// add command
var addCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Start tracking a new file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Add", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Add(cmd.Context(), args[0], crFlag(cmd)); err != nil {
			return err
		}
		fmt.Printf("Added %s\n", args[0])
		return nil
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Remove", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Remove(cmd.Context(), args[0], crFlag(cmd)); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

// revert command
var revertCmd = &cobra.Command{
	Use:   "revert PATH",
	Short: "Discard local changes to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Revert", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RevertPath(cmd.Context(), args[0], crFlag(cmd)); err != nil {
			return err
		}
		fmt.Printf("Reverted %s\n", args[0])
		return nil
	},
}

// edit command
var editCmd = &cobra.Command{
	Use:   "edit PATH --cr N",
	Short: "Copy a file into a change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cr, _ := cmd.Flags().GetInt64("cr")

		a, err := newApp(cmd.Context(), "Edit", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.EditPath(cmd.Context(), args[0], cr); err != nil {
			return err
		}
		fmt.Printf("Editing %s in CR#%d\n", args[0], cr)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [PATH...]",
	Short: "Push local changes and pull remote ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Sync", args)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Sync(cmd.Context(), args)
		if result != nil {
			for _, f := range slices.Sorted(maps.Keys(result.Committed)) {
				fmt.Printf("%s %s@%s\n", green("synced  "), f, result.Committed[f])
			}
			for _, f := range result.Updated {
				fmt.Printf("%s %s\n", cyan("updated "), f)
			}
			for _, f := range result.Removed {
				fmt.Printf("%s %s\n", yellow("removed "), f)
			}
			printConflicts(result.Conflicts)
		}
		if err != nil {
			var ce *dpm.ConflictError
			if errors.As(err, &ce) {
				fmt.Println("Resolve conflicts with `dpm resolve-conflict PATH --use ours|theirs|revive|delete`.")
			}
			return err
		}
		if len(result.Committed)+len(result.Updated)+len(result.Removed) == 0 {
			fmt.Println("Already in sync.")
		}
		return nil
	},
}

// resolve-conflict command
var resolveConflictCmd = &cobra.Command{
	Use:   "resolve-conflict PATH --use ours|theirs|revive|delete|print",
	Short: "Settle a conflicted file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		use, _ := cmd.Flags().GetString("use")
		choice, err := dpm.ParseResolveChoice(use)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "ResolveConflict", append(args, use))
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.ResolveConflict(cmd.Context(), args[0], choice)
		if err != nil {
			return err
		}

		if choice == dpm.ResolvePrint {
			printSide("local", res.Local)
			printSide("remote", res.Remote)
			return nil
		}
		if res.Version == nil {
			fmt.Printf("Resolved %s: deleted\n", res.Filename)
		} else {
			fmt.Printf("Resolved %s at %s\n", res.Filename, res.Version)
		}
		return nil
	},
}

func printSide(name string, content []byte) {
	fmt.Println(cyan("==> " + name))
	if content == nil {
		fmt.Println(faint("(deleted)"))
		return
	}
	os.Stdout.Write(content)
	if len(content) > 0 && content[len(content)-1] != '\n' {
		fmt.Println()
	}
}

// diff command
var diffCmd = &cobra.Command{
	Use:   "diff [PATH...]",
	Short: "Show unsynced changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Diff", args)
		if err != nil {
			return err
		}
		defer a.Close()

		diffs, err := a.Diff(cmd.Context(), args)
		if err != nil {
			return err
		}
		for _, d := range diffs {
			for _, line := range strings.SplitAfter(d.Diff, "\n") {
				switch {
				case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
					fmt.Print(line)
				case strings.HasPrefix(line, "+"):
					fmt.Print(green(line))
				case strings.HasPrefix(line, "-"):
					fmt.Print(red(line))
				case strings.HasPrefix(line, "@@"):
					fmt.Print(cyan(line))
				default:
					fmt.Print(line)
				}
			}
		}
		return nil
	},
}

// change request commands
var createCRCmd = &cobra.Command{
	Use:   "create-cr",
	Short: "Open a change request",
	RunE: func(cmd *cobra.Command, args []string) error {
		var title *string
		if cmd.Flags().Changed("title") {
			t, _ := cmd.Flags().GetString("title")
			title = &t
		}

		a, err := newApp(cmd.Context(), "CreateCR", args)
		if err != nil {
			return err
		}
		defer a.Close()

		cr, err := a.CreateCR(cmd.Context(), title)
		if err != nil {
			return err
		}
		fmt.Printf("Created CR#%d\n", cr.ID)
		return nil
	},
}

var closeCRCmd = &cobra.Command{
	Use:   "close-cr N",
	Short: "Close a change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return &dpm.UsageError{Message: fmt.Sprintf("invalid CR number %q", args[0])}
		}

		a, err := newApp(cmd.Context(), "CloseCR", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CloseCR(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Closed CR#%d\n", id)
		return nil
	},
}

var crCmd = &cobra.Command{
	Use:   "cr",
	Short: "Inspect change requests",
}

var crListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListCRs", args)
		if err != nil {
			return err
		}
		defer a.Close()

		crs, err := a.ListCRs(cmd.Context())
		if err != nil {
			return err
		}
		if len(crs) == 0 {
			fmt.Println("No change requests.")
			return nil
		}
		for _, cr := range crs {
			state := green("open  ")
			if !cr.Open {
				state = faint("closed")
			}
			title := ""
			if cr.Title != nil {
				title = *cr.Title
			}
			fmt.Printf("CR#%-4d %s  %s\n", cr.ID, state, title)
			for _, d := range cr.Deleted {
				fmt.Printf("        %s %s@%s\n", red("deleted"), d.Filename, d.Version)
			}
		}
		return nil
	},
}

// tracking commands
var startTrackingCmd = &cobra.Command{
	Use:   "start-tracking SOURCE --target TARGET",
	Short: "Make TARGET track SOURCE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")

		a, err := newApp(cmd.Context(), "StartTracking", append(args, target))
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.StartTracking(cmd.Context(), args[0], target); err != nil {
			return err
		}
		fmt.Printf("%s is now tracking %s\n", target, args[0])
		return nil
	},
}

var stopTrackingCmd = &cobra.Command{
	Use:   "stop-tracking SOURCE --target TARGET",
	Short: "Stop TARGET tracking SOURCE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")

		a, err := newApp(cmd.Context(), "StopTracking", append(args, target))
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.StopTracking(cmd.Context(), args[0], target); err != nil {
			return err
		}
		fmt.Printf("%s is no longer tracking %s\n", target, args[0])
		return nil
	},
}

var markUpToDateCmd = &cobra.Command{
	Use:   "mark-upto-date SOURCE [--target TARGET]",
	Short: "Record that a tracking file caught up with its source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target *string
		if cmd.Flags().Changed("target") {
			t, _ := cmd.Flags().GetString("target")
			target = &t
		}

		a, err := newApp(cmd.Context(), "MarkUpToDate", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.MarkUpToDate(cmd.Context(), args[0], target); err != nil {
			return err
		}
		fmt.Printf("Marked %s up to date\n", args[0])
		return nil
	},
}

// translation-status command
var translationStatusCmd = &cobra.Command{
	Use:   "translation-status",
	Short: "Compare a translation package with its original",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "TranslationStatus", args)
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.TranslationStatus(cmd.Context())
		if err != nil {
			return err
		}
		showDiff, _ := cmd.Flags().GetBool("diff")
		for _, f := range slices.Sorted(maps.Keys(status)) {
			fmt.Printf("%s %s\n", colorTranslation(status[f].State()), f)
			if d, ok := status[f].(*dpm.Outdated); ok && showDiff {
				diff, err := a.TranslationDiff(cmd.Context(), d)
				if err != nil {
					return err
				}
				fmt.Print(diff)
			}
		}

		sum := dpm.Summarize(status)
		fmt.Printf("\nTotal: %d  never marked: %d  missing: %d  outdated: %d  up to date: %d\n",
			sum.Total, sum.NeverMarked, sum.Missing, sum.Outdated, sum.UpToDate)
		return nil
	},
}

// build command
var buildCmd = &cobra.Command{
	Use:   "build [PATH...]",
	Short: "Render the package into " + dpm.BuildDir,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := dpm.BuildOptions{Files: args}
		opts.BaseURL, _ = cmd.Flags().GetString("base-url")
		opts.IgnoreFailed, _ = cmd.Flags().GetBool("ignore-failed")
		opts.Workers, _ = cmd.Flags().GetInt("workers")

		a, err := newApp(cmd.Context(), "Build", args)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Build(cmd.Context(), opts)
		if err != nil {
			return err
		}
		for _, f := range result.Failed {
			fmt.Printf("%s %s\n", red("failed"), f)
		}
		fmt.Printf("Built %d file(s)\n", len(result.Built))
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the package over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Serve", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if cmd.Flags().Changed("bind") {
			a.Config().Server.Bind, _ = cmd.Flags().GetString("bind")
		}
		if cmd.Flags().Changed("port") {
			a.Config().Server.Port, _ = cmd.Flags().GetInt("port")
		}

		fmt.Printf("Serving %s on http://%s:%d/\n", a.Config().Package.Name, a.Config().Server.Bind, a.Config().Server.Port)
		return a.Serve(cmd.Context())
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory", args)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.GetHistory(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			status := op.Status
			if status == app.StatusError {
				status = red(status)
			}
			fmt.Printf("#%d  %-17s  %s  %-10s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

func init() {
	// init
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("language", "", "Language of the package")
	initCmd.Flags().String("translation-of", "", "Root of the package this one translates")
	initCmd.Flags().Bool("encrypted", false, "Encrypt the history archive")
	initCmd.Flags().String("remote", "", "URL of the server to sync with")

	// config subcommands
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	// workspace
	rootCmd.AddCommand(statusCmd)
	for _, c := range []*cobra.Command{addCmd, rmCmd, revertCmd, editCmd} {
		c.Flags().Int64("cr", 0, "Change request to work in")
		rootCmd.AddCommand(c)
	}
	editCmd.MarkFlagRequired("cr")
	rootCmd.AddCommand(diffCmd)

	// sync
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resolveConflictCmd)
	resolveConflictCmd.Flags().String("use", "", "Resolution: ours, theirs, revive, delete or print")
	resolveConflictCmd.MarkFlagRequired("use")

	// change requests
	rootCmd.AddCommand(createCRCmd)
	createCRCmd.Flags().String("title", "", "Title of the change request")
	rootCmd.AddCommand(closeCRCmd)
	crCmd.AddCommand(crListCmd)
	rootCmd.AddCommand(crCmd)

	// tracking and translation
	for _, c := range []*cobra.Command{startTrackingCmd, stopTrackingCmd, markUpToDateCmd} {
		c.Flags().String("target", "", "The tracking file")
		rootCmd.AddCommand(c)
	}
	startTrackingCmd.MarkFlagRequired("target")
	stopTrackingCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(translationStatusCmd)
	translationStatusCmd.Flags().Bool("diff", false, "Show how the original changed for outdated translations")

	// output
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().String("base-url", "", "Base URL of the built site (default from config)")
	buildCmd.Flags().Bool("ignore-failed", false, "Keep building after a document fails")
	buildCmd.Flags().Int("workers", 0, "Documents rendered concurrently (default from config)")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("bind", "", "Address to bind (default from config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (default from config)")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
