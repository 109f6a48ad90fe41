package pipeline

import (
	"bytes"
	"fmt"
	"mime"
	"os"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

// minMessageSize is the minimum byte size for a message to be considered
// well-formed (spec §3, §4.5).
const minMessageSize = 100

// requiredHeaders must all be present (case-insensitive) for a message to
// pass the integrity check (spec §3, §4.5).
var requiredHeaders = []string{"Content-Type", "From", "Date", "Subject"}

// CheckIntegrity reads path and validates it against spec §3/§4.5: size,
// required headers, and (for multipart messages) a closing boundary
// marker. Returns a migrateerr.Integrity error describing the first
// violation found.
func CheckIntegrity(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, migrateerr.New(migrateerr.Integrity, "pipeline.CheckIntegrity", err)
	}
	if info.Size() < minMessageSize {
		return nil, migrateerr.New(migrateerr.Integrity, "pipeline.CheckIntegrity", fmt.Errorf("size %d below minimum %d", info.Size(), minMessageSize))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, migrateerr.New(migrateerr.Integrity, "pipeline.CheckIntegrity", err)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, migrateerr.New(migrateerr.Integrity, "pipeline.CheckIntegrity", fmt.Errorf("parse headers: %w", err))
	}

	for _, h := range requiredHeaders {
		if strings.TrimSpace(env.GetHeader(h)) == "" {
			return nil, migrateerr.New(migrateerr.Integrity, "pipeline.CheckIntegrity", fmt.Errorf("missing header %q", h))
		}
	}

	contentType := env.GetHeader("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" || !bytes.Contains(raw, []byte("--"+boundary+"--")) {
			return nil, migrateerr.New(migrateerr.Integrity, "pipeline.CheckIntegrity", fmt.Errorf("multipart message missing closing boundary"))
		}
	}

	return raw, nil
}
