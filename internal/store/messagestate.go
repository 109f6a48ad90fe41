package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

// MessageState is the recorded disposition of a message, keyed by
// (folder, identity key) per spec §3.
type MessageState string

const (
	StateUploaded MessageState = "uploaded"
	StateSkipped  MessageState = "skipped"
	StateFailed   MessageState = "failed"
	StateUnknown  MessageState = "unknown"
)

// cacheKey derives the in-memory LRU key and on-disk shard filename
// "<folder>_<id>" (spec §6) for a (folder, messageKey) pair.
func cacheKey(folder, messageKey string) string {
	return strings.ReplaceAll(folder, "/", "_") + "_" + messageKey
}

func (s *Store) messageStatePath(folder, messageKey string) string {
	return s.path(dirMsgCache, cacheKey(folder, messageKey))
}

// PutMessageState records state for (folder, messageKey), timestamped now.
// Per spec §4.1 this is a normal atomic write under the record's lock; the
// bounded in-memory cache is updated alongside so immediately-following
// dedup checks avoid a filesystem round trip.
func (s *Store) PutMessageState(folder, messageKey string, state MessageState) error {
	path := s.messageStatePath(folder, messageKey)
	ck := cacheKey(folder, messageKey)
	// Folder and key are carried after the timestamp so a failed-message
	// scan (ListFailedMessages) can recover them without having to reverse
	// cacheKey's lossy "<folder>_<id>" filename encoding; GetMessageState
	// only ever looks at the part before the first ":" so this is additive.
	line := fmt.Sprintf("%s:%d:%s:%s", state, time.Now().Unix(), folder, messageKey)

	err := s.withLock(lockNameForRecord("msgstate", ck), func() error {
		return writeAtomic(path, []byte(line), filePerm)
	})
	if err != nil {
		return migrateerr.New(migrateerr.Internal, "store.PutMessageState", err)
	}
	s.msgCache.Add(ck, state)
	return nil
}

// GetMessageState returns the cached state for (folder, messageKey), or
// StateUnknown if no record exists. The bounded LRU is consulted first
// (spec §1(b): "a bounded cache plus server-side lookup"); on a miss the
// on-disk shard is read without taking a lock.
func (s *Store) GetMessageState(folder, messageKey string) (MessageState, error) {
	ck := cacheKey(folder, messageKey)
	if v, ok := s.msgCache.Get(ck); ok {
		return v, nil
	}

	data, err := readOrEmpty(s.messageStatePath(folder, messageKey))
	if err != nil {
		return StateUnknown, migrateerr.New(migrateerr.Internal, "store.GetMessageState", err)
	}
	if len(data) == 0 {
		return StateUnknown, nil
	}

	parts := strings.SplitN(string(data), ":", 2)
	state := MessageState(parts[0])
	s.msgCache.Add(ck, state)
	return state, nil
}

// JobPhase is one step in a work unit's lifecycle (spec §3 "JobStatus").
type JobPhase string

const (
	JobStart      JobPhase = "start"
	JobUploading  JobPhase = "uploading"
	JobCompleted  JobPhase = "completed"
	JobSkipped    JobPhase = "skipped"
	JobFailed     JobPhase = "failed"
)

// MarkJobStatus records a work unit's (phase, message, timestamp), written
// as "<phase>:<message>:<timestamp>" under stats/jobs/job_<jobID> (spec §6).
func (s *Store) MarkJobStatus(jobID string, phase JobPhase, message string) error {
	path := s.path(dirJobs, "job_"+jobID)
	line := fmt.Sprintf("%s:%s:%d", phase, message, time.Now().Unix())
	if err := s.withLock(lockNameForRecord("job", jobID), func() error {
		return writeAtomic(path, []byte(line), filePerm)
	}); err != nil {
		return migrateerr.New(migrateerr.Internal, "store.MarkJobStatus", err)
	}
	return nil
}

// JobStatus is the parsed contents of a job status record.
type JobStatus struct {
	Phase     JobPhase
	Message   string
	Timestamp time.Time
}

// ReadJobStatus returns the last recorded status for jobID.
func (s *Store) ReadJobStatus(jobID string) (*JobStatus, error) {
	data, err := readOrEmpty(s.path(dirJobs, "job_"+jobID))
	if err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "store.ReadJobStatus", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	// The phase ends at the first ":" and the timestamp starts after the
	// last one, so a message containing ":" is returned unchanged.
	rec := string(data)
	first, last := strings.Index(rec, ":"), strings.LastIndex(rec, ":")
	if first < 0 || last == first {
		return nil, migrateerr.New(migrateerr.Internal, "store.ReadJobStatus", fmt.Errorf("malformed job status record %q", rec))
	}
	unix, err := strconv.ParseInt(rec[last+1:], 10, 64)
	if err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "store.ReadJobStatus", err)
	}
	return &JobStatus{Phase: JobPhase(rec[:first]), Message: rec[first+1 : last], Timestamp: time.Unix(unix, 0)}, nil
}
