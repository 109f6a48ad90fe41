// Package config loads the two YAML files that describe a migration run:
// system_config.yaml (scheduler/timeout tunables) and accounts.yaml (the
// list of accounts to migrate). Loading itself is an external collaborator
// per the spec, but permission enforcement (§6) lives here because the
// verify stage depends on it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

const (
	// requiredDirMode is the maximum permission bits allowed on config/.
	requiredDirMode = 0o700
	// requiredFileMode is the maximum permission bits allowed on config files.
	requiredFileMode = 0o600

	// MaxDepth bounds folder-hierarchy recursion (spec §3, §4.4).
	MaxDepth = 10

	defaultMaxParallelDownloads = 3
	defaultMaxParallelUploads   = 1
	defaultRequestDelay         = 250 * time.Millisecond
	defaultRetryDelay           = 2 * time.Second
	defaultMaxRetries           = 5
	defaultLockTimeout          = 5 * time.Second
	defaultAppendTimeout        = 30 * time.Second
	defaultRESTTimeout          = 30 * time.Second
)

// SystemConfig holds the process-wide tunables loaded from system_config.yaml.
type SystemConfig struct {
	MaxParallelDownloads int           `yaml:"max_parallel_downloads"`
	MaxParallelUploads   int           `yaml:"max_parallel_uploads"`
	RequestDelay         time.Duration `yaml:"request_delay"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	MaxRetries           int           `yaml:"max_retries"`
	LockTimeout          time.Duration `yaml:"lock_timeout"`
	AppendTimeout        time.Duration `yaml:"append_timeout"`
	RESTTimeout          time.Duration `yaml:"rest_timeout"`
	StateDir             string        `yaml:"state_dir"`
	MessagesDir          string        `yaml:"messages_dir"`
	LogsDir              string        `yaml:"logs_dir"`
}

// UnmarshalYAML accepts human-readable durations ("250ms", "2s") for every
// *_delay/*_timeout key, falling back to a plain integer as raw nanoseconds.
// yaml.v3 cannot decode a string-typed Go field straight into time.Duration,
// so system_config.yaml is decoded into a string-shaped intermediate first.
func (c *SystemConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxParallelDownloads int    `yaml:"max_parallel_downloads"`
		MaxParallelUploads   int    `yaml:"max_parallel_uploads"`
		RequestDelay         string `yaml:"request_delay"`
		RetryDelay           string `yaml:"retry_delay"`
		MaxRetries           int    `yaml:"max_retries"`
		LockTimeout          string `yaml:"lock_timeout"`
		AppendTimeout        string `yaml:"append_timeout"`
		RESTTimeout          string `yaml:"rest_timeout"`
		StateDir             string `yaml:"state_dir"`
		MessagesDir          string `yaml:"messages_dir"`
		LogsDir              string `yaml:"logs_dir"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	c.MaxParallelDownloads = raw.MaxParallelDownloads
	c.MaxParallelUploads = raw.MaxParallelUploads
	c.MaxRetries = raw.MaxRetries
	c.StateDir = raw.StateDir
	c.MessagesDir = raw.MessagesDir
	c.LogsDir = raw.LogsDir
	if c.RequestDelay, err = parseDurationField("request_delay", raw.RequestDelay); err != nil {
		return err
	}
	if c.RetryDelay, err = parseDurationField("retry_delay", raw.RetryDelay); err != nil {
		return err
	}
	if c.LockTimeout, err = parseDurationField("lock_timeout", raw.LockTimeout); err != nil {
		return err
	}
	if c.AppendTimeout, err = parseDurationField("append_timeout", raw.AppendTimeout); err != nil {
		return err
	}
	if c.RESTTimeout, err = parseDurationField("rest_timeout", raw.RESTTimeout); err != nil {
		return err
	}
	return nil
}

// parseDurationField accepts "250ms"-style durations or a plain integer
// nanosecond count; an empty value means "unset, default applies".
func parseDurationField(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is neither a duration (e.g. \"250ms\") nor an integer nanosecond count", key, s)
	}
	return time.Duration(ns), nil
}

// applyDefaults fills zero-valued fields with the spec's stated defaults.
func (c *SystemConfig) applyDefaults() {
	if c.MaxParallelDownloads <= 0 {
		c.MaxParallelDownloads = defaultMaxParallelDownloads
	}
	if c.MaxParallelUploads <= 0 {
		c.MaxParallelUploads = defaultMaxParallelUploads
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = defaultRequestDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = defaultAppendTimeout
	}
	if c.RESTTimeout <= 0 {
		c.RESTTimeout = defaultRESTTimeout
	}
	if c.StateDir == "" {
		c.StateDir = "stats"
	}
	if c.MessagesDir == "" {
		c.MessagesDir = "messages"
	}
	if c.LogsDir == "" {
		c.LogsDir = "logs"
	}
}

// FolderOverride renames a source folder's destination path on the target.
type FolderOverride struct {
	SourceName string `yaml:"source_name"`
	DestName   string `yaml:"dest_name"`
}

// defaultSourceBaseURL is the Graph mail API root used when an account
// does not override it (spec §6: "Graph-style REST over HTTPS").
const defaultSourceBaseURL = "https://graph.microsoft.com/v1.0"

// SourceCredential names the source mailbox and how its bearer token is
// obtained. Token acquisition itself is an external collaborator (spec §1);
// TokenProviderRef is an opaque handle the configured token provider
// resolves at connect time.
type SourceCredential struct {
	TenantID         string `yaml:"tenant_id"`
	ClientID         string `yaml:"client_id"`
	TokenProviderRef string `yaml:"token_provider_ref"`
	BaseURL          string `yaml:"base_url"`
}

// TargetCredential names the destination IMAP login.
type TargetCredential struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Account is the unit of migration: one mailbox, source and target
// credentials, and any folder-name overrides.
type Account struct {
	Email           string           `yaml:"email"`
	Source          SourceCredential `yaml:"source"`
	Target          TargetCredential `yaml:"target"`
	Enabled         bool             `yaml:"enabled"`
	FolderOverrides []FolderOverride `yaml:"folder_overrides"`
	Retries         int              `yaml:"retries"`
}

// Accounts is the parsed contents of accounts.yaml.
type Accounts struct {
	Accounts []Account `yaml:"accounts"`
}

// Load reads system_config.yaml and accounts.yaml from dir, enforcing the
// permission requirements of spec §6 before parsing either file.
func Load(dir string) (*SystemConfig, []Account, error) {
	if err := checkPermissions(dir); err != nil {
		return nil, nil, err
	}

	sysPath := filepath.Join(dir, "system_config.yaml")
	accPath := filepath.Join(dir, "accounts.yaml")

	var sys SystemConfig
	if data, err := os.ReadFile(sysPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, nil, migrateerr.New(migrateerr.ConfigInvalid, "config.Load", fmt.Errorf("read %s: %w", sysPath, err))
		}
		// system_config.yaml is optional; defaults apply.
	} else if err := yaml.Unmarshal(data, &sys); err != nil {
		return nil, nil, migrateerr.New(migrateerr.ConfigInvalid, "config.Load", fmt.Errorf("parse %s: %w", sysPath, err))
	}
	sys.applyDefaults()

	data, err := os.ReadFile(accPath)
	if err != nil {
		return nil, nil, migrateerr.New(migrateerr.ConfigInvalid, "config.Load", fmt.Errorf("read %s: %w", accPath, err))
	}
	var accs Accounts
	if err := yaml.Unmarshal(data, &accs); err != nil {
		return nil, nil, migrateerr.New(migrateerr.ConfigInvalid, "config.Load", fmt.Errorf("parse %s: %w", accPath, err))
	}
	if err := validateAccounts(accs.Accounts); err != nil {
		return nil, nil, err
	}

	return &sys, accs.Accounts, nil
}

func validateAccounts(accounts []Account) error {
	if len(accounts) == 0 {
		return migrateerr.New(migrateerr.ConfigInvalid, "config.Load", fmt.Errorf("no accounts configured"))
	}
	for i := range accounts {
		a := &accounts[i]
		if a.Email == "" {
			return migrateerr.New(migrateerr.ConfigInvalid, "config.Load", fmt.Errorf("account %d: email is required", i))
		}
		if a.Target.Host == "" || a.Target.User == "" || a.Target.Password == "" {
			return migrateerr.New(migrateerr.ConfigInvalid, "config.Load", fmt.Errorf("account %s: target host/user/password are required", a.Email))
		}
		if a.Target.Port == 0 {
			a.Target.Port = 993
		}
		if a.Source.BaseURL == "" {
			a.Source.BaseURL = defaultSourceBaseURL
		}
		if a.Retries <= 0 {
			a.Retries = defaultMaxRetries
		}
	}
	return nil
}

// checkPermissions rejects a configuration directory or file that is more
// permissive than spec §6 allows (0700 dir, 0600 files).
func checkPermissions(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return migrateerr.New(migrateerr.ConfigInvalid, "config.checkPermissions", fmt.Errorf("stat %s: %w", dir, err))
	}
	if !info.IsDir() {
		return migrateerr.New(migrateerr.ConfigInvalid, "config.checkPermissions", fmt.Errorf("%s is not a directory", dir))
	}
	if info.Mode().Perm()&^requiredDirMode != 0 {
		return migrateerr.New(migrateerr.PermissionOpen, "config.checkPermissions",
			fmt.Errorf("%s has mode %04o, expected at most %04o", dir, info.Mode().Perm(), requiredDirMode))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return migrateerr.New(migrateerr.ConfigInvalid, "config.checkPermissions", fmt.Errorf("list %s: %w", dir, err))
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return migrateerr.New(migrateerr.ConfigInvalid, "config.checkPermissions", fmt.Errorf("stat %s: %w", e.Name(), err))
		}
		if fi.Mode().Perm()&^requiredFileMode != 0 {
			return migrateerr.New(migrateerr.PermissionOpen, "config.checkPermissions",
				fmt.Errorf("%s has mode %04o, expected at most %04o", filepath.Join(dir, e.Name()), fi.Mode().Perm(), requiredFileMode))
		}
	}
	return nil
}
