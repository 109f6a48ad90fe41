package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mailforge/o365migrate/internal/migrateerr"
	"github.com/mailforge/o365migrate/internal/store"
)

type fakeTarget struct {
	appendErrs  []error // consumed in order, then nil
	appendCalls int
	delivered   bool // true once an Append call has actually returned nil
	existsFn    func(folder, id string) (bool, error)
	existsCalls int
}

func (f *fakeTarget) Append(folder string, body []byte) error {
	idx := f.appendCalls
	f.appendCalls++
	if idx < len(f.appendErrs) {
		if err := f.appendErrs[idx]; err != nil {
			return err
		}
	}
	f.delivered = true
	return nil
}

func (f *fakeTarget) MessageExists(folder, messageID string) (bool, error) {
	f.existsCalls++
	if f.existsFn != nil {
		return f.existsFn(folder, messageID)
	}
	return false, nil
}

func validMessage() string {
	return "From: a@b.com\r\nMessage-ID: <msg-1@example.com>\r\nSubject: hi\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\nContent-Type: text/plain\r\n\r\n" + strings.Repeat("x", 100)
}

func TestUploadMessage_CommitsOnSuccessfulAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	target := &fakeTarget{}
	target.existsFn = func(folder, id string) (bool, error) { return target.delivered, nil }
	p := New(st, target, WithVerifyWait(time.Millisecond))

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeCommitted {
		t.Fatalf("got outcome %v, err=%v", result.Outcome, result.Err)
	}

	state, err := st.GetMessageState("Inbox", "msg-1@example.com")
	if err != nil {
		t.Fatalf("GetMessageState: %v", err)
	}
	if state != store.StateUploaded {
		t.Errorf("got state %v, want uploaded", state)
	}
}

func TestUploadMessage_SkipsOnCacheDedup(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := st.PutMessageState("Inbox", "msg-1@example.com", store.StateUploaded); err != nil {
		t.Fatalf("PutMessageState: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	target := &fakeTarget{}
	p := New(st, target)

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeSkippedDedup {
		t.Fatalf("got outcome %v, err=%v", result.Outcome, result.Err)
	}
	if target.appendCalls != 0 {
		t.Errorf("expected no Append call on cache dedup hit, got %d", target.appendCalls)
	}
}

func TestUploadMessage_SkipsOnServerDedup(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	target := &fakeTarget{existsFn: func(folder, id string) (bool, error) { return true, nil }}
	p := New(st, target)

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeSkippedDedup {
		t.Fatalf("got outcome %v, err=%v", result.Outcome, result.Err)
	}
	if target.appendCalls != 0 {
		t.Errorf("expected no Append call on server dedup hit, got %d", target.appendCalls)
	}
}

func TestUploadMessage_SkipKeepsTotalSizeEqualToFolderSize(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	target := &fakeTarget{existsFn: func(folder, id string) (bool, error) { return true, nil }}
	p := New(st, target)

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeSkippedDedup {
		t.Fatalf("got outcome %v, err=%v", result.Outcome, result.Err)
	}

	totalSize, err := st.ReadCounter("total_size")
	if err != nil {
		t.Fatalf("ReadCounter: %v", err)
	}
	folderSize, err := st.ReadFolderCounter("Inbox", store.FolderSize)
	if err != nil {
		t.Fatalf("ReadFolderCounter: %v", err)
	}
	if totalSize != folderSize {
		t.Errorf("total_size=%d != folder size=%d after skip", totalSize, folderSize)
	}
	if totalSize != result.Size {
		t.Errorf("total_size=%d, want %d (the skipped message's size)", totalSize, result.Size)
	}
}

func TestUploadMessage_ForceBypassesDedup(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := st.PutMessageState("Inbox", "msg-1@example.com", store.StateUploaded); err != nil {
		t.Fatalf("PutMessageState: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	target := &fakeTarget{existsFn: func(folder, id string) (bool, error) { return true, nil }}
	p := New(st, target, WithForce(true), WithVerifyWait(time.Millisecond))

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeCommitted {
		t.Fatalf("got outcome %v, err=%v", result.Outcome, result.Err)
	}
	if target.appendCalls != 1 {
		t.Errorf("expected exactly one Append call under --force, got %d", target.appendCalls)
	}
}

func TestUploadMessage_FailsIntegrityWithoutTouchingTarget(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "tiny.eml", "From: a@b.com\r\n\r\nhi")

	target := &fakeTarget{}
	p := New(st, target)

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeFailedIntegrity {
		t.Fatalf("got outcome %v", result.Outcome)
	}
	if migrateerr.KindOf(result.Err) != migrateerr.Integrity {
		t.Errorf("got kind %v, want Integrity", migrateerr.KindOf(result.Err))
	}
	if target.appendCalls != 0 || target.existsCalls != 0 {
		t.Errorf("expected no target calls for an integrity failure")
	}

	failed, err := st.ReadFolderCounter("Inbox", store.FolderFailed)
	if err != nil || failed != 1 {
		t.Errorf("folder failed counter = %d, err=%v, want 1", failed, err)
	}
}

func TestUploadMessage_RetriesAppendThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	target := &fakeTarget{
		appendErrs: []error{migrateerr.New(migrateerr.Transport, "test", errors.New("transient"))},
	}
	target.existsFn = func(folder, id string) (bool, error) { return target.delivered, nil }
	p := New(st, target, WithRetryPolicy(3, time.Millisecond), WithVerifyWait(time.Millisecond))

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeCommitted {
		t.Fatalf("got outcome %v, err=%v", result.Outcome, result.Err)
	}
	if target.appendCalls != 2 {
		t.Errorf("expected 2 append attempts, got %d", target.appendCalls)
	}
}

func TestUploadMessage_ExhaustsRetriesAndFails(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	persistentErr := migrateerr.New(migrateerr.Transport, "test", errors.New("down"))
	target := &fakeTarget{
		appendErrs: []error{persistentErr, persistentErr, persistentErr},
	}
	p := New(st, target, WithRetryPolicy(2, time.Millisecond))

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeFailedAppend {
		t.Fatalf("got outcome %v", result.Outcome)
	}
}

func TestUploadMessage_AuthFailedAbortsWithoutExhaustingRetries(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	target := &fakeTarget{appendErrs: []error{migrateerr.New(migrateerr.AuthFailed, "test", errors.New("bad creds"))}}
	p := New(st, target, WithRetryPolicy(5, time.Millisecond))

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeFailedAppend {
		t.Fatalf("got outcome %v", result.Outcome)
	}
	if target.appendCalls != 1 {
		t.Errorf("expected AUTH_FAILED to abort immediately, got %d attempts", target.appendCalls)
	}
}

func TestUploadMessage_FailsVerifyWhenServerNeverShowsMessage(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	path := writeMessage(t, t.TempDir(), "msg.eml", validMessage())

	calls := 0
	target := &fakeTarget{existsFn: func(folder, id string) (bool, error) {
		calls++
		return false, nil
	}}
	p := New(st, target, WithRetryPolicy(2, time.Millisecond), WithVerifyWait(time.Millisecond))

	result := p.UploadMessage(context.Background(), "Inbox", path, "job-1")
	if result.Outcome != OutcomeFailedVerify {
		t.Fatalf("got outcome %v, err=%v", result.Outcome, result.Err)
	}
}
