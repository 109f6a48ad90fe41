package driver

import (
	"context"
	"fmt"
	"os"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

// EnvTokenProvider resolves a bearer token from the environment variable
// named by an account's token_provider_ref. Bearer-token acquisition for
// the source mailbox is an explicit external collaborator (spec §1); this
// is the thinnest concrete sourceclient.TokenProvider that lets the driver
// run end to end without embedding an OAuth flow here.
type EnvTokenProvider struct {
	EnvVar string
}

// Token implements sourceclient.TokenProvider.
func (p EnvTokenProvider) Token(ctx context.Context) (string, error) {
	if p.EnvVar == "" {
		return "", migrateerr.New(migrateerr.AuthFailed, "driver.EnvTokenProvider", fmt.Errorf("account has no token_provider_ref configured"))
	}
	v := os.Getenv(p.EnvVar)
	if v == "" {
		return "", migrateerr.New(migrateerr.AuthFailed, "driver.EnvTokenProvider", fmt.Errorf("environment variable %q is unset", p.EnvVar))
	}
	return v, nil
}
