// Package logging builds the per-account, per-stage file loggers named in
// spec §6: one running log of the whole process plus one log per account
// per stage, all distinct from the interactive progress/spinner output.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

// Stage names a migration stage, used both as a log field and to pick the
// per-stage subdirectory under logsDir.
type Stage string

const (
	StageVerify   Stage = "verify"
	StageStatus   Stage = "status"
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

const dirPerm = 0o755

// Bundle owns the open log files for one stage invocation and the loggers
// built from them: one writing to logs/migration.log (shared across the
// whole run) and one writing to logs/<stage>/<account>.log.
type Bundle struct {
	runLog     *os.File
	accountLog *os.File

	Run     zerolog.Logger
	Account zerolog.Logger
}

// Open creates (or appends to) logs/migration.log and
// logs/<stage>/<account>.log under logsDir, returning loggers tagged with
// the account email and stage.
func Open(logsDir string, stage Stage, account string) (*Bundle, error) {
	if err := os.MkdirAll(logsDir, dirPerm); err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "logging.Open", err)
	}
	runPath := filepath.Join(logsDir, "migration.log")
	runLog, err := openAppend(runPath)
	if err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "logging.Open", err)
	}

	stageDir := filepath.Join(logsDir, string(stage))
	if err := os.MkdirAll(stageDir, dirPerm); err != nil {
		_ = runLog.Close()
		return nil, migrateerr.New(migrateerr.Internal, "logging.Open", err)
	}
	acctPath := filepath.Join(stageDir, fmt.Sprintf("%s.log", account))
	acctLog, err := openAppend(acctPath)
	if err != nil {
		_ = runLog.Close()
		return nil, migrateerr.New(migrateerr.Internal, "logging.Open", err)
	}

	b := &Bundle{runLog: runLog, accountLog: acctLog}
	b.Run = zerolog.New(runLog).With().Timestamp().Str("account", account).Str("stage", string(stage)).Logger()
	b.Account = zerolog.New(acctLog).With().Timestamp().Str("account", account).Str("stage", string(stage)).Logger()
	return b, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Close releases both underlying log files.
func (b *Bundle) Close() error {
	var firstErr error
	if err := b.accountLog.Close(); err != nil {
		firstErr = err
	}
	if err := b.runLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Attempt logs one retry attempt for a retryable error, matching spec §7's
// "every retryable error logs one line per attempt".
func (b *Bundle) Attempt(op string, attempt int, err error) {
	b.Account.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying")
}

// Terminal logs a message's final, non-retryable outcome: identity, folder,
// and the last server reply observed, per spec §7.
func (b *Bundle) Terminal(folder, identity, lastReply string, err error) {
	b.Account.Error().
		Str("folder", folder).
		Str("identity", identity).
		Str("last_reply", lastReply).
		Err(err).
		Msg("message failed")
}
