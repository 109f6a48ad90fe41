package store

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

// FailedMessage identifies one message currently recorded as StateFailed,
// used by the status stage's "oldest unresolved failure" report (SPEC_FULL
// §12).
type FailedMessage struct {
	Folder    string
	Key       string
	Timestamp time.Time
}

// ListFailedMessages scans the on-disk message-state shard for every
// record whose state is StateFailed. It does not consult the in-memory
// cache: a full accounting needs every record, not just recently-touched
// ones.
func (s *Store) ListFailedMessages() ([]FailedMessage, error) {
	entries, err := os.ReadDir(s.path(dirMsgCache))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, migrateerr.New(migrateerr.Internal, "store.ListFailedMessages", err)
	}

	var out []FailedMessage
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(s.path(dirMsgCache, e.Name()))
		if err != nil {
			continue // best-effort: a record removed mid-scan is not an error
		}
		parts := strings.SplitN(string(data), ":", 4)
		if len(parts) != 4 || MessageState(parts[0]) != StateFailed {
			continue
		}
		unix, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, FailedMessage{Folder: parts[2], Key: parts[3], Timestamp: time.Unix(unix, 0)})
	}
	return out, nil
}
