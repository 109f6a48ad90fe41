// Package cmd wires the migrate CLI:
// "migrate [--config <dir>] [--quiet] [--verbose] <verify|download|upload|status|help>".
// --resume, --force and --reset are flags of the download subcommand
// (upload takes --force and --reset) and are given after the subcommand
// name; they are not accepted before it.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mailforge/o365migrate/internal/config"
	"github.com/mailforge/o365migrate/internal/driver"
	"github.com/mailforge/o365migrate/internal/logging"
	"github.com/mailforge/o365migrate/internal/migrateerr"
	"github.com/mailforge/o365migrate/internal/progress"
	"github.com/mailforge/o365migrate/internal/stdout"
	"github.com/mailforge/o365migrate/internal/store"
	"github.com/mailforge/o365migrate/internal/utils"
)

var (
	// Version stores the version tag from build-time injection.
	Version = "dev"
	// Commit stores the git commit hash from build-time injection.
	Commit = "none"
	// Date stores the build date from build-time injection.
	Date = "unknown"
	// BuiltBy stores who built the binary.
	BuiltBy = "manual"

	appName = "migrate"
)

// stageExit carries a stage's final exit code (spec §6) out of a cli.Action
// without relying on urfave/cli's own ExitCoder plumbing.
type stageExit struct{ code int }

func (e *stageExit) Error() string { return fmt.Sprintf("stage exited with code %d", e.code) }

// Run configures and executes the migrate CLI application.
func Run() error {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Println(cCtx.App.Version)
	}

	app := &cli.App{
		Name:                   appName,
		Suggest:                false,
		Usage:                  "migrate a mailbox from Microsoft 365 Exchange Online to a target IMAP server",
		UseShortOptionHandling: true,
		Version:                fmt.Sprintf("%s (commit: %s, built: %s by %s)", Version, Commit, Date, BuiltBy),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config",
				Usage:   "path to the config/ directory (system_config.yaml, accounts.yaml)",
				EnvVars: []string{"MIGRATE_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "suppress interactive progress output",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "print every progress update as its own line",
			},
		},
		Commands: []*cli.Command{
			verifyCommand(),
			downloadCommand(),
			uploadCommand(),
			statusCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := app.RunContext(ctx, os.Args)
	if err == nil {
		return nil
	}
	var se *stageExit
	if errors.As(err, &se) {
		os.Exit(se.code)
	}
	return err
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "check config permissions and reach the source API and target IMAP server without mutating state",
		Action: func(cCtx *cli.Context) error {
			return runForAccounts(cCtx, logging.StageVerify, func(ctx context.Context, d *driver.Driver) (*driver.Summary, error) {
				return nil, d.Verify(ctx)
			})
		},
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:  "download",
		Usage: "traverse the source mailbox and download every message into the local content store",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "resume", Usage: "skip messages whose .eml file already exists and is non-empty"},
			&cli.BoolFlag{Name: "force", Usage: "redownload every message regardless of on-disk state"},
			&cli.BoolFlag{Name: "reset", Usage: "clear all state, counters, and locks before starting"},
		},
		Action: func(cCtx *cli.Context) error {
			resume, force, reset := cCtx.Bool("resume"), cCtx.Bool("force"), cCtx.Bool("reset")
			if reset && !cCtx.Bool("quiet") {
				ok, err := utils.AskConfirm(cCtx.Context, "This clears all download state and counters. Continue?")
				if err != nil {
					return err
				}
				if !ok {
					return &stageExit{code: 4}
				}
			}
			return runForAccounts(cCtx, logging.StageDownload, func(ctx context.Context, d *driver.Driver) (*driver.Summary, error) {
				return d.Download(ctx, resume, force, reset)
			})
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:  "upload",
		Usage: "walk the local content store and append every message to the target IMAP server, deduplicated by identity",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "bypass the dedup cache and server-side search"},
			&cli.BoolFlag{Name: "reset", Usage: "clear all state, counters, and locks before starting"},
		},
		Action: func(cCtx *cli.Context) error {
			force, reset := cCtx.Bool("force"), cCtx.Bool("reset")
			if reset && !cCtx.Bool("quiet") {
				ok, err := utils.AskConfirm(cCtx.Context, "This clears all upload state and counters. Continue?")
				if err != nil {
					return err
				}
				if !ok {
					return &stageExit{code: 4}
				}
			}
			return runForAccounts(cCtx, logging.StageUpload, func(ctx context.Context, d *driver.Driver) (*driver.Summary, error) {
				return d.Upload(ctx, force, reset)
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print counters and the oldest unresolved failure per account",
		Action: func(cCtx *cli.Context) error {
			return runForAccounts(cCtx, logging.StageStatus, func(ctx context.Context, d *driver.Driver) (*driver.Summary, error) {
				return d.Status(ctx)
			})
		},
	}
}

// runForAccounts loads configuration, then runs fn once per enabled account,
// aggregating each account's exit code into the worst one seen (spec §6's
// exit codes double as a severity ranking: 0 < 1 < 2 < 3 < 4).
func runForAccounts(cCtx *cli.Context, stage logging.Stage, fn func(ctx context.Context, d *driver.Driver) (*driver.Summary, error)) error {
	configDir := cCtx.String("config")
	quiet := cCtx.Bool("quiet")
	verbose := cCtx.Bool("verbose")

	sys, accounts, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return &stageExit{code: migrateerr.ExitCode(err, false, false)}
	}

	sp := stdout.New(quiet, verbose)
	defer sp.Stop()
	prog := progress.NewWriter(len(accounts), quiet || verbose)

	worst := 0
	for _, acc := range accounts {
		if !acc.Enabled {
			continue
		}
		sp.UpdatePrefix(acc.Email)

		logBundle, err := logging.Open(sys.LogsDir, stage, acc.Email)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", acc.Email, err)
			worst = max(worst, migrateerr.ExitCode(err, false, false))
			continue
		}

		st, err := store.New(filepath.Join(sys.StateDir, acc.Email),
			store.WithLockTimeout(sys.LockTimeout),
			store.WithMaxRetries(sys.MaxRetries),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", acc.Email, err)
			worst = max(worst, migrateerr.ExitCode(err, false, false))
			_ = logBundle.Close()
			continue
		}

		d := driver.New(sys, acc, st, logBundle, sp, prog)
		summary, runErr := fn(cCtx.Context, d)
		if runErr != nil {
			logBundle.Run.Error().Err(runErr).Msg("stage failed")
		}

		userAbort := cCtx.Context.Err() != nil
		partial := summary != nil && summary.PartialFailure
		printSummary(stage, acc.Email, summary, runErr)

		worst = max(worst, migrateerr.ExitCode(runErr, partial, userAbort))
		_ = logBundle.Close()

		if userAbort {
			break
		}
	}
	sp.Stop()

	if worst != 0 {
		return &stageExit{code: worst}
	}
	return nil
}

func printSummary(stage logging.Stage, account string, s *driver.Summary, runErr error) {
	fmt.Printf("\n=== %s: %s ===\n", stage, account)
	if runErr != nil {
		fmt.Printf("error: %v\n", runErr)
	}
	if s == nil {
		return
	}
	fmt.Printf("messages: %d  size: %s  skipped: %d  failed: %d\n", s.TotalMessages, utils.FormatSize(uint64(s.TotalSize)), s.TotalSkipped, s.TotalFailed)
	for _, f := range s.Folders {
		fmt.Printf("  %-40s count=%-6d size=%-10s skipped=%-6d failed=%d\n", f.Path, f.Count, utils.FormatSize(uint64(f.Size)), f.Skipped, f.Failed)
	}
	if s.OldestFailed != nil {
		fmt.Printf("oldest unresolved failure: folder=%s id=%s at=%s\n", s.OldestFailed.Folder, s.OldestFailed.Key, s.OldestFailed.Timestamp)
	}
}
