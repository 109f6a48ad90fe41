// Package pipeline implements the upload stage's per-message state machine
// (spec §4.5): identity, dedup, integrity, APPEND, and verification, with
// counter and job-status bookkeeping on every terminal transition.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/mailforge/o365migrate/internal/migrateerr"
	"github.com/mailforge/o365migrate/internal/store"
)

// TargetAppender is the subset of *targetclient.Client the pipeline needs:
// appending a message and searching for an existing one by identity key.
// Expressed as an interface so tests can substitute a fake IMAP session.
type TargetAppender interface {
	Append(folder string, body []byte) error
	MessageExists(folder, messageID string) (bool, error)
}

// Outcome is the terminal state a message reached.
type Outcome string

const (
	OutcomeCommitted      Outcome = "committed"
	OutcomeSkippedDedup   Outcome = "skipped_dedup"
	OutcomeFailedIntegrity Outcome = "failed_integrity"
	OutcomeFailedVerify   Outcome = "failed_verify"
	OutcomeFailedAppend   Outcome = "failed_append"
)

// Result describes how one message's pipeline run ended.
type Result struct {
	Outcome Outcome
	Size    int64
	Err     error
}

// Pipeline runs the per-message upload state machine for one folder.
type Pipeline struct {
	store      *store.Store
	target     TargetAppender
	force      bool
	maxRetries int
	retryDelay time.Duration
	verifyWait time.Duration
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithForce bypasses the cache and server-side dedup checks (spec §4.7
// "upload ... Honors --force").
func WithForce(force bool) Option {
	return func(p *Pipeline) { p.force = force }
}

// WithRetryPolicy overrides the default APPEND retry budget and delay.
func WithRetryPolicy(maxRetries int, retryDelay time.Duration) Option {
	return func(p *Pipeline) {
		p.maxRetries = maxRetries
		p.retryDelay = retryDelay
	}
}

// WithVerifyWait overrides the delay between verification search attempts.
func WithVerifyWait(d time.Duration) Option {
	return func(p *Pipeline) { p.verifyWait = d }
}

// New builds a Pipeline targeting one Target Client session and sharing
// the driver's State Store.
func New(st *store.Store, target TargetAppender, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      st,
		target:     target,
		maxRetries: 5,
		retryDelay: 2 * time.Second,
		verifyWait: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UploadMessage drives path (an on-disk .eml file under folderPath) through
// the state machine described in spec §4.5, returning its terminal
// Outcome. jobID identifies this work unit for job-status reporting.
func (p *Pipeline) UploadMessage(ctx context.Context, folderPath, path, jobID string) Result {
	_ = p.store.MarkJobStatus(jobID, store.JobStart, "reading message")

	raw, integrityErr := CheckIntegrity(path)
	if integrityErr != nil {
		return p.finish(folderPath, "", jobID, OutcomeFailedIntegrity, 0, integrityErr)
	}

	key := Identity(raw)
	size := int64(len(raw))

	for attempt := 0; ; attempt++ {
		// Dedup is re-checked on every retry: a prior attempt may have
		// succeeded at the server while its response was lost (spec §4.5).
		if !p.force {
			if skip, err := p.isDuplicate(folderPath, key); err != nil {
				return p.finish(folderPath, key, jobID, OutcomeFailedAppend, size, err)
			} else if skip {
				return p.finish(folderPath, key, jobID, OutcomeSkippedDedup, size, nil)
			}
		}

		_ = p.store.MarkJobStatus(jobID, store.JobUploading, fmt.Sprintf("append attempt %d", attempt+1))
		appendErr := p.target.Append(folderPath, raw)
		if appendErr == nil {
			if p.verify(ctx, folderPath, key) {
				return p.finish(folderPath, key, jobID, OutcomeCommitted, size, nil)
			}
			return p.finish(folderPath, key, jobID, OutcomeFailedVerify, size, migrateerr.New(migrateerr.VerifyFailed, "pipeline.UploadMessage", fmt.Errorf("message not found after append")))
		}

		if attempt >= p.maxRetries || migrateerr.KindOf(appendErr).Aborts() {
			return p.finish(folderPath, key, jobID, OutcomeFailedAppend, size, appendErr)
		}
		select {
		case <-ctx.Done():
			return p.finish(folderPath, key, jobID, OutcomeFailedAppend, size, ctx.Err())
		case <-time.After(p.retryDelay):
		}
	}
}

// isDuplicate checks the cached message state first, then the server, per
// spec §1(b)'s "bounded cache plus server-side lookup."
func (p *Pipeline) isDuplicate(folderPath, key string) (bool, error) {
	state, err := p.store.GetMessageState(folderPath, key)
	if err != nil {
		return false, err
	}
	if state == store.StateUploaded || state == store.StateSkipped {
		return true, nil
	}
	exists, err := p.target.MessageExists(folderPath, key)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// verify polls the target server for key within the retry budget after an
// APPEND that returned OK, confirming the message is visible in folderPath
// (spec §4.5 "VERIFYING"). A lost APPEND response is reconciled instead by
// the dedup re-check at the top of each UploadMessage retry.
func (p *Pipeline) verify(ctx context.Context, folderPath, key string) bool {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		exists, err := p.target.MessageExists(folderPath, key)
		if err == nil && exists {
			return true
		}
		if attempt == p.maxRetries {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.verifyWait):
		}
	}
	return false
}

// finish records the terminal transition: message state, job status, and
// folder counters (spec §4.5).
func (p *Pipeline) finish(folderPath, key, jobID string, outcome Outcome, size int64, err error) Result {
	switch outcome {
	case OutcomeCommitted:
		_ = p.store.PutMessageState(folderPath, key, store.StateUploaded)
		_ = p.store.MarkJobStatus(jobID, store.JobCompleted, "committed")
		_ = p.store.IncrementFolderCounter(folderPath, store.FolderCount, 1)
		_ = p.store.IncrementFolderCounter(folderPath, store.FolderSize, size)
		_ = p.store.IncrementCounter("total_messages", 1)
		_ = p.store.IncrementCounter("total_size", size)
	case OutcomeSkippedDedup:
		_ = p.store.PutMessageState(folderPath, key, store.StateSkipped)
		_ = p.store.MarkJobStatus(jobID, store.JobSkipped, "duplicate")
		_ = p.store.IncrementFolderCounter(folderPath, store.FolderSkipped, 1)
		_ = p.store.IncrementFolderCounter(folderPath, store.FolderSize, size)
		_ = p.store.IncrementCounter("total_skipped", 1)
		_ = p.store.IncrementCounter("total_size", size)
	default: // FAILED_INTEGRITY, FAILED_VERIFY, FAILED_APPEND
		if key != "" {
			_ = p.store.PutMessageState(folderPath, key, store.StateFailed)
		}
		msg := "failed"
		if err != nil {
			msg = err.Error()
		}
		_ = p.store.MarkJobStatus(jobID, store.JobFailed, msg)
		_ = p.store.IncrementFolderCounter(folderPath, store.FolderFailed, 1)
		_ = p.store.IncrementCounter("total_failed", 1)
	}
	return Result{Outcome: outcome, Size: size, Err: err}
}
