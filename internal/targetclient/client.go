// Package targetclient speaks IMAP4rev1 directly over a TLS socket. The
// spec calls for explicit control over tag classification, folder-separator
// discovery, and literal-length APPEND framing (spec §4.3, §9), which rules
// out a library IMAP client: this package parses the tagged/untagged wire
// protocol itself.
package targetclient

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultDialTimeout    = 30 * time.Second
	defaultDelimiter      = "." // Dovecot convention, used when discovery fails (spec §4.3).
)

// Client is one IMAP session: connect → login → (select/search/append)* →
// logout. Per spec §4.3 every operation composes its own login/logout pair
// in stateless mode; Client itself does not pool connections, but a caller
// MAY reuse one across several operations as long as SELECT is reissued
// before each command sequence.
type Client struct {
	addr       string
	tlsConfig  *tls.Config
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer
	tagCounter uint32

	cmdTimeout time.Duration
	maxRetries int
	retryDelay time.Duration

	delimiterMu sync.Mutex
	delimiter   string
	delimiterOK bool

	selected string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithCommandTimeout overrides the default 30s per-command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) { c.cmdTimeout = d }
}

// WithRetryPolicy overrides the default retry budget and delay for
// transient failures (createFolder, append).
func WithRetryPolicy(maxRetries int, retryDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = retryDelay
	}
}

// New builds a Client targeting addr ("host:port"). Connect must be called
// before any other operation.
func New(addr string, tlsConfig *tls.Config, opts ...Option) *Client {
	c := &Client{
		addr:       addr,
		tlsConfig:  tlsConfig,
		cmdTimeout: defaultCommandTimeout,
		maxRetries: 5,
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens a TLS socket with hostname verification and TLS 1.2
// minimum, and verifies the greeting begins with "* OK" (spec §4.3).
func (c *Client) Connect() error {
	cfg := c.tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	cfg.InsecureSkipVerify = false

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.addr, cfg)
	if err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Connect", err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	c.w = bufio.NewWriter(conn)

	_ = conn.SetReadDeadline(time.Now().Add(c.cmdTimeout))
	greeting, err := c.r.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return migrateerr.New(migrateerr.Transport, "targetclient.Connect", fmt.Errorf("read greeting: %w", err))
	}
	resp := parseLine(greeting)
	if resp.kind != kindUntagged || !strings.HasPrefix(strings.ToUpper(resp.text), "OK") {
		_ = conn.Close()
		return migrateerr.New(migrateerr.Transport, "targetclient.Connect", fmt.Errorf("unexpected greeting: %q", greeting))
	}
	return nil
}

// Close tears down the connection without issuing LOGOUT.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) nextTag() string {
	n := atomic.AddUint32(&c.tagCounter, 1)
	return fmt.Sprintf("a%03d", n)
}

// runCommand sends "<tag> <command>\r\n" and reads until the matching
// tagged response, applying the per-command timeout (spec §4.3, §5).
func (c *Client) runCommand(command string) (taggedStatus, string, []string, error) {
	tag := c.nextTag()
	_ = c.conn.SetDeadline(time.Now().Add(c.cmdTimeout))
	if _, err := c.w.WriteString(tag + " " + command + "\r\n"); err != nil {
		return statusBAD, "", nil, migrateerr.New(migrateerr.Transport, "targetclient.runCommand", err)
	}
	if err := c.w.Flush(); err != nil {
		return statusBAD, "", nil, migrateerr.New(migrateerr.Transport, "targetclient.runCommand", err)
	}
	status, text, untagged, err := readResponses(c.r, tag)
	if err != nil {
		return statusBAD, "", nil, migrateerr.New(migrateerr.Transport, "targetclient.runCommand", err)
	}
	return status, text, untagged, nil
}

// Login issues LOGIN with an incrementing tag, classifying the response by
// its tag prefix (spec §4.3).
func (c *Client) Login(user, pass string) error {
	status, text, _, err := c.runCommand(fmt.Sprintf("LOGIN %s %s", quoteString(user), quoteString(pass)))
	if err != nil {
		return err
	}
	if status != statusOK {
		return migrateerr.New(migrateerr.AuthFailed, "targetclient.Login", fmt.Errorf("%s", text))
	}
	return nil
}

// Logout issues LOGOUT and closes the connection.
func (c *Client) Logout() error {
	_, _, _, err := c.runCommand("LOGOUT")
	closeErr := c.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// DiscoverSeparator issues LIST "" "" and parses the hierarchy delimiter
// from the untagged reply, defaulting to "." if unavailable. Lazy and
// memoized per connection (spec §4.3).
func (c *Client) DiscoverSeparator() (string, error) {
	c.delimiterMu.Lock()
	defer c.delimiterMu.Unlock()
	if c.delimiterOK {
		return c.delimiter, nil
	}

	status, _, untagged, err := c.runCommand(`LIST "" ""`)
	if err != nil {
		return "", err
	}
	if status != statusOK {
		c.delimiter = defaultDelimiter
		c.delimiterOK = true
		return c.delimiter, nil
	}
	for _, line := range untagged {
		if d, ok := parseListDelimiter(line); ok {
			if d == "" {
				d = defaultDelimiter
			}
			c.delimiter = d
			c.delimiterOK = true
			return d, nil
		}
	}
	c.delimiter = defaultDelimiter
	c.delimiterOK = true
	return c.delimiter, nil
}

// ListFolders issues LIST "" "*" and returns the server-side mailbox paths.
func (c *Client) ListFolders() ([]string, error) {
	status, text, untagged, err := c.runCommand(`LIST "" "*"`)
	if err != nil {
		return nil, err
	}
	if status != statusOK {
		return nil, migrateerr.New(migrateerr.Transport, "targetclient.ListFolders", fmt.Errorf("%s", text))
	}
	var names []string
	for _, line := range untagged {
		if name, ok := parseListMailbox(line); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// serverMailbox translates a logical "/"-joined path (the form the Folder
// Tree Walker and everything above this package deal in) into the server's
// own hierarchy delimiter. Every command that names a mailbox must pass
// through here, not just CREATE, or a server whose delimiter is not "/"
// (spec §6's example uses ".") addresses the wrong mailbox.
func (c *Client) serverMailbox(path string) (string, error) {
	sep, err := c.DiscoverSeparator()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(path, "/", sep), nil
}

// CreateFolder translates "/" in path to the server's separator, ensures
// parents exist, then issues CREATE. ALREADYEXISTS and a successful LIST
// echo both satisfy the postcondition (spec §4.3, resolved Open Question
// #3). Retries transient failures up to MAX_RETRIES with backoff.
func (c *Client) CreateFolder(path string) error {
	sep, err := c.DiscoverSeparator()
	if err != nil {
		return err
	}
	serverPath, err := c.serverMailbox(path)
	if err != nil {
		return err
	}
	parts := strings.Split(serverPath, sep)

	for i := 1; i <= len(parts); i++ {
		ancestor := strings.Join(parts[:i], sep)
		if err := c.createOne(ancestor); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) createOne(serverPath string) error {
	b := &backoff.Backoff{Min: c.retryDelay, Max: c.retryDelay * 10, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		status, text, _, err := c.runCommand("CREATE " + quoteString(serverPath))
		if err != nil {
			lastErr = err
		} else if status == statusOK {
			return nil
		} else if strings.Contains(strings.ToUpper(text), "ALREADYEXISTS") {
			return nil
		} else {
			// Confirm via LIST before treating this as a genuine failure:
			// some servers report a plain NO for an existing mailbox.
			if exists, listErr := c.folderExists(serverPath); listErr == nil && exists {
				return nil
			}
			lastErr = migrateerr.New(migrateerr.Transport, "targetclient.CreateFolder", fmt.Errorf("%s", text))
		}
		if attempt == c.maxRetries {
			break
		}
		time.Sleep(b.Duration())
	}
	return lastErr
}

func (c *Client) folderExists(serverPath string) (bool, error) {
	status, _, untagged, err := c.runCommand(fmt.Sprintf(`LIST "" %s`, quoteString(serverPath)))
	if err != nil {
		return false, err
	}
	if status != statusOK {
		return false, nil
	}
	for _, line := range untagged {
		if _, ok := parseListMailbox(line); ok {
			return true, nil
		}
	}
	return false, nil
}

// Select issues SELECT for folder, required before Search (spec §4.3's
// SELECTED state). folder is the logical "/"-joined path; it is translated
// to the server's delimiter before being sent.
func (c *Client) Select(folder string) error {
	serverPath, err := c.serverMailbox(folder)
	if err != nil {
		return err
	}
	status, text, _, err := c.runCommand("SELECT " + quoteString(serverPath))
	if err != nil {
		return err
	}
	if status != statusOK {
		return migrateerr.New(migrateerr.NotFound, "targetclient.Select", fmt.Errorf("%s", text))
	}
	c.selected = folder
	return nil
}

// MessageExists SELECTs folder (the logical "/"-joined path), then searches
// for messageID in the Message-ID header. Existence is a SEARCH reply
// containing at least one numeric UID (spec §4.3).
func (c *Client) MessageExists(folder, messageID string) (bool, error) {
	if c.selected != folder {
		if err := c.Select(folder); err != nil {
			return false, err
		}
	}
	status, text, untagged, err := c.runCommand(fmt.Sprintf(`SEARCH HEADER "Message-ID" %s`, quoteString(messageID)))
	if err != nil {
		return false, err
	}
	if status != statusOK {
		return false, migrateerr.New(migrateerr.Transport, "targetclient.MessageExists", fmt.Errorf("%s", text))
	}
	for _, line := range untagged {
		if uids := parseSearchUIDs(line); len(uids) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Append issues APPEND "<folder>" (\Seen) {<size>} followed by the literal
// bytes and a trailing CRLF, waiting for the tagged response within the
// per-command timeout (30s unless WithCommandTimeout overrides it). folder is the logical "/"-joined path, translated to the
// server's delimiter before being sent. Retries up to MAX_RETRIES on
// failure (spec §4.3).
func (c *Client) Append(folder string, body []byte) error {
	b := &backoff.Backoff{Min: c.retryDelay, Max: c.retryDelay * 10, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := c.appendOnce(folder, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if migrateerr.KindOf(err) == migrateerr.AuthFailed {
			return err
		}
		if attempt == c.maxRetries {
			break
		}
		time.Sleep(b.Duration())
	}
	return lastErr
}

func (c *Client) appendOnce(folder string, body []byte) error {
	serverPath, err := c.serverMailbox(folder)
	if err != nil {
		return err
	}

	tag := c.nextTag()
	_ = c.conn.SetDeadline(time.Now().Add(c.cmdTimeout))

	header := fmt.Sprintf("%s APPEND %s (\\Seen) {%d}\r\n", tag, quoteString(serverPath), len(body))
	if _, err := c.w.WriteString(header); err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", err)
	}
	if err := c.w.Flush(); err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", err)
	}

	if _, err := readUntilContinuation(c.r); err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", fmt.Errorf("awaiting continuation: %w", err))
	}

	if _, err := c.w.Write(body); err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", err)
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", err)
	}
	if err := c.w.Flush(); err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", err)
	}

	status, text, _, err := readResponses(c.r, tag)
	if err != nil {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", err)
	}
	if status != statusOK {
		return migrateerr.New(migrateerr.Transport, "targetclient.Append", fmt.Errorf("%s", text))
	}
	c.selected = "" // APPEND deselects in some server implementations; force a re-SELECT
	return nil
}

// quoteString produces an IMAP quoted string, escaping backslashes and
// double quotes.
func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
