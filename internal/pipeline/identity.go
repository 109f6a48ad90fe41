package pipeline

import (
	"bufio"
	"bytes"
	"crypto/md5" //nolint:gosec // content hash, not a security boundary (spec §3)
	"encoding/hex"
	"strings"
)

// messageIDHeaderPrefix is the lowercased header name matched at the start
// of each unfolded header line by messageIDFromHeaders, which scans the
// header block with bufio's line scanner rather than a regular expression.
const messageIDHeaderPrefix = "message-id:"

// Identity computes a message's identity key per spec §3: the Message-ID
// header with angle brackets, CR, and LF stripped, or the lowercase hex
// MD5 of the raw bytes if absent.
func Identity(raw []byte) string {
	if id, ok := messageIDFromHeaders(raw); ok {
		return id
	}
	sum := md5.Sum(raw) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// messageIDFromHeaders scans the header block (everything before the first
// blank line) for a Message-ID header, folding continuation lines.
func messageIDFromHeaders(raw []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(headerBlock(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current strings.Builder
	flush := func() (string, bool) {
		line := current.String()
		current.Reset()
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, messageIDHeaderPrefix) {
			return "", false
		}
		value := strings.TrimSpace(line[len(messageIDHeaderPrefix):])
		value = strings.NewReplacer("<", "", ">", "", "\r", "", "\n", "").Replace(value)
		return value, value != ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && current.Len() > 0 {
			current.WriteString(" ")
			current.WriteString(strings.TrimSpace(line))
			continue
		}
		if current.Len() > 0 {
			if id, ok := flush(); ok {
				return id, true
			}
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		if id, ok := flush(); ok {
			return id, true
		}
	}
	return "", false
}

// headerBlock returns the portion of raw up to (not including) the first
// blank line, tolerating both CRLF and bare-LF line endings.
func headerBlock(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
