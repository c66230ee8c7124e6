// Package credentials holds the ways a harvester obtains its bearer token.
// Each is an acquisition.Bootstrapper; the acquisition client caches the
// result and asks again only when the upstream rejects it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ahrav/harvester/internal/app/acquisition"
)

// ErrNoToken is returned when a bootstrapper produced an empty token.
var ErrNoToken = errors.New("no token available")

var _ acquisition.Bootstrapper = Static{}

// Static returns a configured token. When Env names a set environment
// variable its value wins over Token.
type Static struct {
	Token string
	Env   string
}

// Token implements acquisition.Bootstrapper.
func (s Static) Token(context.Context) (string, error) {
	if s.Env != "" {
		if v := strings.TrimSpace(os.Getenv(s.Env)); v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(s.Token); v != "" {
		return v, nil
	}
	if s.Env != "" {
		return "", fmt.Errorf("static token: %s is unset: %w", s.Env, ErrNoToken)
	}
	return "", fmt.Errorf("static token: %w", ErrNoToken)
}
