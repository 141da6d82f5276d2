// Package session defines the device-session contract consumed by the
// workflow engine, plus the default SSH transport. Alternative transports
// (telnet, console servers) only need to satisfy Dialer.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnreachable — host did not answer (network-level failure).
	ErrUnreachable = errors.New("device unreachable")
	// ErrAuth — session was refused with bad credentials.
	ErrAuth = errors.New("authentication failed")
)

// Credentials resolved for one device (device-level, else global fallback).
type Credentials struct {
	Username string
	Password string
	Secret   string // enable secret; falls back to Password when empty
}

func (c Credentials) EnablePassword() string {
	if c.Secret != "" {
		return c.Secret
	}
	return c.Password
}

// Target describes the endpoint a session connects to.
type Target struct {
	Hostname string
	Address  string
	Platform string // "iosxe" when unknown
	Creds    Credentials
}

// Session is one CLI session to a device.
//
// Execute blocks up to timeout; Disconnect must be safe to call on a dead
// or never-connected session.
type Session interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
	Disconnect() error
}

// Dialer constructs sessions. A second Dial against the same target gives an
// independent session (used by the distribution progress monitor).
type Dialer interface {
	Dial(target Target) Session
}

// Alive actively probes the session with a no-op command. A cached
// "connected" flag is not trusted: SSH sessions die silently.
func Alive(ctx context.Context, s Session) bool {
	if s == nil {
		return false
	}
	_, err := s.Execute(ctx, "", 10*time.Second)
	return err == nil
}

// IsConnectionError reports whether err is a connection-level failure
// (unreachable or auth), as opposed to a command-level one.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrAuth)
}

func ConnectError(target Target, err error) error {
	return fmt.Errorf("connect %s (%s): %w", target.Hostname, target.Address, err)
}
