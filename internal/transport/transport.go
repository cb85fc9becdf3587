// Package transport defines the channel contract sessions own exclusively.
// Providers dial remote or local shells; the orchestration core never sees
// anything below this interface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnect is matched by every connection-establishment failure.
	ErrConnect = errors.New("connect failed")
	// ErrTransport marks recoverable channel faults that drive reconnection.
	ErrTransport = errors.New("transport error")
)

// ConnectReason narrows why a connection attempt failed.
type ConnectReason string

const (
	// ReasonUnreachable covers network-level dial failures.
	ReasonUnreachable ConnectReason = "unreachable"
	// ReasonAuthRejected covers credential rejection.
	ReasonAuthRejected ConnectReason = "auth_rejected"
	// ReasonProtocol covers handshake or protocol mismatches.
	ReasonProtocol ConnectReason = "protocol"
)

// ConnectError describes a failed connection attempt.
type ConnectError struct {
	Endpoint string
	Reason   ConnectReason
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Endpoint, e.Reason, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is(err, ErrConnect) checks.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

// Endpoint describes where a session connects. A non-empty LocalShell
// selects the local PTY provider instead of SSH.
type Endpoint struct {
	Host       string
	Port       int
	User       string
	LocalShell string
}

// Addr renders the endpoint for logs and errors.
func (e Endpoint) Addr() string {
	if e.LocalShell != "" {
		return "local:" + e.LocalShell
	}
	port := e.Port
	if port == 0 {
		port = 22
	}
	user := strings.TrimSpace(e.User)
	if user == "" {
		return fmt.Sprintf("%s:%d", e.Host, port)
	}
	return fmt.Sprintf("%s@%s:%d", user, e.Host, port)
}

// Validate rejects endpoints that cannot possibly be dialed.
func (e Endpoint) Validate() error {
	if e.LocalShell != "" {
		return nil
	}
	if strings.TrimSpace(e.Host) == "" {
		return errors.New("endpoint host is required")
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", e.Port)
	}
	return nil
}

// Auth carries credentials for one connection attempt. Key lifecycle is the
// caller's concern; the core only passes material through.
type Auth struct {
	Password      string
	KeyPEM        []byte
	KeyPassphrase string
}

// Channel is a live bidirectional shell stream, owned by exactly one
// session.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Provider dials endpoints into channels.
type Provider interface {
	Connect(ctx context.Context, endpoint Endpoint, auth Auth) (Channel, error)
}
