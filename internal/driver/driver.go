// Package driver binds one Account to one stage — verify, status, download,
// or upload — threading the State Store, Source Client, Target Client,
// Folder Tree Walker, Scheduler, and Message Pipeline together, and
// producing the summary the CLI reports (spec §4.7).
package driver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/mailforge/o365migrate/internal/config"
	"github.com/mailforge/o365migrate/internal/logging"
	"github.com/mailforge/o365migrate/internal/migrateerr"
	"github.com/mailforge/o365migrate/internal/pipeline"
	"github.com/mailforge/o365migrate/internal/progress"
	"github.com/mailforge/o365migrate/internal/scheduler"
	"github.com/mailforge/o365migrate/internal/sourceclient"
	"github.com/mailforge/o365migrate/internal/stdout"
	"github.com/mailforge/o365migrate/internal/store"
	"github.com/mailforge/o365migrate/internal/targetclient"
	"github.com/mailforge/o365migrate/internal/walker"
)

// FolderSummary is one folder's counters as of the moment Status was read.
type FolderSummary struct {
	Path    string
	Count   int64
	Size    int64
	Skipped int64
	Failed  int64
}

// Summary is the outcome of one stage run for one account: the totals the
// CLI prints and the partial-failure flag that decides its exit code
// (spec §7: "The stage returns exit code 3 if any message ends in
// FAILED_*").
type Summary struct {
	Account        string
	TotalMessages  int64
	TotalSize      int64
	TotalFailed    int64
	TotalSkipped   int64
	Folders        []FolderSummary
	OldestFailed   *store.FailedMessage
	PartialFailure bool
}

// Driver runs one stage for one Account against a shared State Store.
type Driver struct {
	sys     *config.SystemConfig
	account config.Account
	store   *store.Store
	log     *logging.Bundle
	spin    *stdout.Spinner
	prog    *progress.Writer
}

// New builds a Driver. log, spin, and prog may be nil (e.g. in tests); a nil
// spin or prog simply means no interactive progress is reported.
func New(sys *config.SystemConfig, account config.Account, st *store.Store, log *logging.Bundle, spin *stdout.Spinner, prog *progress.Writer) *Driver {
	return &Driver{sys: sys, account: account, store: st, log: log, spin: spin, prog: prog}
}

func (d *Driver) newSourceClient() *sourceclient.Client {
	tokens := EnvTokenProvider{EnvVar: d.account.Source.TokenProviderRef}
	return sourceclient.New(d.account.Source.BaseURL, d.account.Email, tokens,
		sourceclient.WithHTTPClient(&http.Client{Timeout: d.sys.RESTTimeout}),
		sourceclient.WithRetryPolicy(d.sys.MaxRetries, d.sys.RetryDelay),
	)
}

func (d *Driver) newTargetClient() *targetclient.Client {
	addr := fmt.Sprintf("%s:%d", d.account.Target.Host, d.account.Target.Port)
	tlsConfig := &tls.Config{ServerName: d.account.Target.Host, MinVersion: tls.VersionTLS12}
	return targetclient.New(addr, tlsConfig,
		targetclient.WithCommandTimeout(d.sys.AppendTimeout),
		targetclient.WithRetryPolicy(d.sys.MaxRetries, d.sys.RetryDelay),
	)
}

// Verify reaches the source API and the target IMAP server and logs in to
// both, mutating no state (spec §4.7).
func (d *Driver) Verify(ctx context.Context) error {
	sc := d.newSourceClient()
	if _, err := sc.ListRootFolders(ctx); err != nil {
		return migrateerr.New(migrateerr.KindOf(err), "driver.Verify", fmt.Errorf("source unreachable: %w", err))
	}

	tc := d.newTargetClient()
	if err := tc.Connect(); err != nil {
		return migrateerr.New(migrateerr.KindOf(err), "driver.Verify", fmt.Errorf("target unreachable: %w", err))
	}
	defer tc.Close()
	if err := tc.Login(d.account.Target.User, d.account.Target.Password); err != nil {
		return migrateerr.New(migrateerr.AuthFailed, "driver.Verify", err)
	}
	return tc.Logout()
}

// Status reads counters and folder markers and reports a human-readable
// summary, including the oldest unresolved FAILED_* message per account
// (SPEC_FULL §12). It mutates no state.
func (d *Driver) Status(ctx context.Context) (*Summary, error) {
	total, err := d.store.ReadCounter("total_messages")
	if err != nil {
		return nil, err
	}
	size, err := d.store.ReadCounter("total_size")
	if err != nil {
		return nil, err
	}
	failed, err := d.store.ReadCounter("total_failed")
	if err != nil {
		return nil, err
	}
	skipped, err := d.store.ReadCounter("total_skipped")
	if err != nil {
		return nil, err
	}

	paths, err := d.store.ListFolderPaths()
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	folders := make([]FolderSummary, 0, len(paths))
	for _, p := range paths {
		c, _ := d.store.ReadFolderCounter(p, store.FolderCount)
		s, _ := d.store.ReadFolderCounter(p, store.FolderSize)
		sk, _ := d.store.ReadFolderCounter(p, store.FolderSkipped)
		fl, _ := d.store.ReadFolderCounter(p, store.FolderFailed)
		folders = append(folders, FolderSummary{Path: p, Count: c, Size: s, Skipped: sk, Failed: fl})
	}

	failedMsgs, err := d.store.ListFailedMessages()
	if err != nil {
		return nil, err
	}
	var oldest *store.FailedMessage
	for i := range failedMsgs {
		if oldest == nil || failedMsgs[i].Timestamp.Before(oldest.Timestamp) {
			f := failedMsgs[i]
			oldest = &f
		}
	}

	return &Summary{
		Account:        d.account.Email,
		TotalMessages:  total,
		TotalSize:      size,
		TotalFailed:    failed,
		TotalSkipped:   skipped,
		Folders:        folders,
		OldestFailed:   oldest,
		PartialFailure: failed > 0,
	}, nil
}

// accountMessagesRoot is the local content-store root for this account
// (spec §6: messages/<account>/).
func (d *Driver) accountMessagesRoot() string {
	return filepath.Join(d.sys.MessagesDir, d.account.Email)
}

// Download traverses the source mailbox's folder hierarchy and downloads
// every message into the local content store (spec §4.7). reset invokes
// Store.Reset first; resume skips messages whose .eml already exists and
// is non-empty; force redownloads regardless of either.
func (d *Driver) Download(ctx context.Context, resume, force, reset bool) (*Summary, error) {
	if reset {
		if err := d.store.Reset(); err != nil {
			return nil, err
		}
	}

	sc := d.newSourceClient()
	sw := walker.NewSourceWalker(sc, d.sys.RequestDelay)
	sched := scheduler.New(d.sys.MaxParallelDownloads, d.sys.RequestDelay)
	root := d.accountMessagesRoot()

	var tracker *progress.Tracker
	if d.prog != nil {
		tracker = progress.NewTracker(fmt.Sprintf("download %s", d.account.Email), 0)
		d.prog.AppendTracker(tracker)
		d.prog.Start()
		defer d.prog.StopAndClear(1)
	}

	visit := func(ctx context.Context, n walker.Node) error {
		if n.Depth > config.MaxDepth {
			if d.log != nil {
				d.log.Run.Warn().Str("folder", n.LocalPath).Msg("max depth exceeded, not descending")
			}
			return nil
		}

		alreadyDone, err := d.store.IsFolderProcessed(n.LocalPath)
		if err != nil {
			return err
		}
		if alreadyDone && !force {
			return nil
		}
		if err := d.store.StartFolderProcessing(n.LocalPath); err != nil {
			return err
		}

		metas, err := sc.ListMessages(ctx, n.SourceID)
		if err != nil {
			if migrateerr.KindOf(err).Aborts() {
				return err
			}
			if d.log != nil {
				d.log.Run.Error().Str("folder", n.LocalPath).Err(err).Msg("list messages failed")
			}
			if d.prog != nil {
				d.prog.Log("%s: list messages failed: %v", n.LocalPath, err)
			}
			return nil
		}

		folderDir := filepath.Join(root, filepath.FromSlash(n.LocalPath))
		units := make([]scheduler.Unit, len(metas))
		for i, m := range metas {
			m := m
			units[i] = func(ctx context.Context) error {
				return d.downloadOne(ctx, sc, n.SourceID, n.LocalPath, folderDir, m, resume, force)
			}
		}

		var abortErr error
		for _, r := range sched.Run(ctx, units) {
			if r.Err != nil && migrateerr.KindOf(r.Err).Aborts() {
				abortErr = r.Err
			}
		}

		if d.spin != nil {
			d.spin.Update(fmt.Sprintf("[download] %s: %d messages", n.LocalPath, len(metas)))
		}
		if abortErr != nil {
			return abortErr
		}
		if tracker != nil {
			tracker.UpdateTotal(tracker.Total + 1)
			tracker.Increment(1)
		}
		return d.store.CompleteFolderProcessing(n.LocalPath)
	}

	if err := sw.Walk(ctx, visit); err != nil {
		return nil, err
	}
	return d.Status(ctx)
}

func (d *Driver) downloadOne(ctx context.Context, sc *sourceclient.Client, folderID, folderPath, folderDir string, m sourceclient.MessageMeta, resume, force bool) error {
	dest := filepath.Join(folderDir, m.ID+".eml")
	jobID := uuid.NewString()

	if resume && !force {
		if info, statErr := os.Stat(dest); statErr == nil && info.Size() > 0 {
			_ = d.store.MarkJobStatus(jobID, store.JobSkipped, "resume: already downloaded")
			_ = d.store.IncrementFolderCounter(folderPath, store.FolderSkipped, 1)
			_ = d.store.IncrementCounter("total_skipped", 1)
			return nil
		}
	}

	_ = d.store.MarkJobStatus(jobID, store.JobStart, "downloading "+m.ID)
	if err := sc.DownloadMessage(ctx, folderID, m.ID, dest); err != nil {
		_ = d.store.MarkJobStatus(jobID, store.JobFailed, err.Error())
		_ = d.store.IncrementFolderCounter(folderPath, store.FolderFailed, 1)
		_ = d.store.IncrementCounter("total_failed", 1)
		if d.log != nil {
			d.log.Terminal(folderPath, m.ID, "", err)
		}
		return err
	}

	info, statErr := os.Stat(dest)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	_ = d.store.MarkJobStatus(jobID, store.JobCompleted, "downloaded "+m.ID)
	_ = d.store.IncrementFolderCounter(folderPath, store.FolderCount, 1)
	_ = d.store.IncrementFolderCounter(folderPath, store.FolderSize, size)
	_ = d.store.IncrementCounter("total_messages", 1)
	_ = d.store.IncrementCounter("total_size", size)
	return nil
}

// Upload walks the local content store, creates the corresponding folder
// tree on the target IMAP server, and runs the Message Pipeline over every
// message (spec §4.7).
func (d *Driver) Upload(ctx context.Context, force, reset bool) (*Summary, error) {
	if reset {
		if err := d.store.Reset(); err != nil {
			return nil, err
		}
	}

	tc := d.newTargetClient()
	if err := tc.Connect(); err != nil {
		return nil, err
	}
	defer tc.Close()
	if err := tc.Login(d.account.Target.User, d.account.Target.Password); err != nil {
		return nil, migrateerr.New(migrateerr.AuthFailed, "driver.Upload", err)
	}
	defer tc.Logout()

	root := d.accountMessagesRoot()
	lw := walker.NewLocalWalker(root, d.sys.RequestDelay)
	sched := scheduler.New(d.sys.MaxParallelUploads, d.sys.RequestDelay)
	pl := pipeline.New(d.store, tc,
		pipeline.WithForce(force),
		pipeline.WithRetryPolicy(d.sys.MaxRetries, d.sys.RetryDelay),
	)

	var tracker *progress.Tracker
	if d.prog != nil {
		tracker = progress.NewTracker(fmt.Sprintf("upload %s", d.account.Email), 0)
		d.prog.AppendTracker(tracker)
		d.prog.Start()
		defer d.prog.StopAndClear(1)
	}

	visit := func(ctx context.Context, n walker.Node) error {
		if n.Depth > config.MaxDepth {
			if d.log != nil {
				d.log.Run.Warn().Str("folder", n.LocalPath).Msg("max depth exceeded, not descending")
			}
			return nil
		}

		if err := tc.CreateFolder(n.LocalPath); err != nil {
			if migrateerr.KindOf(err).Aborts() {
				return err
			}
			if d.log != nil {
				d.log.Run.Error().Str("folder", n.LocalPath).Err(err).Msg("create folder failed")
			}
			if d.prog != nil {
				d.prog.Log("%s: create folder failed: %v", n.LocalPath, err)
			}
			return nil
		}

		dir := filepath.Join(root, filepath.FromSlash(n.LocalPath))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return nil
		}

		var units []scheduler.Unit
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".eml" {
				continue
			}
			path := filepath.Join(dir, e.Name())
			units = append(units, func(ctx context.Context) error {
				jobID := uuid.NewString()
				res := pl.UploadMessage(ctx, n.LocalPath, path, jobID)
				if res.Err != nil && migrateerr.KindOf(res.Err).Aborts() {
					return res.Err
				}
				return nil
			})
		}

		var abortErr error
		for _, r := range sched.Run(ctx, units) {
			if r.Err != nil && migrateerr.KindOf(r.Err).Aborts() {
				abortErr = r.Err
			}
		}

		if d.spin != nil {
			d.spin.Update(fmt.Sprintf("[upload] %s: %d messages", n.LocalPath, len(units)))
		}
		if tracker != nil && abortErr == nil {
			tracker.UpdateTotal(tracker.Total + 1)
			tracker.Increment(1)
		}
		return abortErr
	}

	if err := lw.Walk(ctx, visit); err != nil {
		return nil, err
	}
	return d.Status(ctx)
}
