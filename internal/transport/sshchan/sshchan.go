// Package sshchan dials SSH endpoints into PTY-backed shell channels.
package sshchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/termpilot/termpilot/internal/transport"
)

const (
	defaultTerm        = "xterm-256color"
	defaultCols        = 120
	defaultRows        = 40
	defaultDialTimeout = 10 * time.Second
)

// Option configures the provider.
type Option func(*Provider)

// WithHostKeyCallback overrides host key verification. The default accepts
// any host key, mirroring a first-connection trust-on-use policy; callers
// with a known_hosts file should supply a real callback.
func WithHostKeyCallback(callback ssh.HostKeyCallback) Option {
	return func(p *Provider) {
		if callback != nil {
			p.hostKeyCallback = callback
		}
	}
}

// WithDialTimeout bounds the TCP dial.
func WithDialTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// Provider implements transport.Provider over golang.org/x/crypto/ssh.
type Provider struct {
	hostKeyCallback ssh.HostKeyCallback
	dialTimeout     time.Duration
}

// New constructs an SSH channel provider.
func New(options ...Option) *Provider {
	provider := &Provider{
		hostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106 -- see WithHostKeyCallback.
		dialTimeout:     defaultDialTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(provider)
	}
	return provider
}

// Connect dials the endpoint, authenticates, and starts a PTY shell.
func (p *Provider) Connect(ctx context.Context, endpoint transport.Endpoint, auth transport.Auth) (transport.Channel, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, &transport.ConnectError{Endpoint: endpoint.Addr(), Reason: transport.ReasonProtocol, Err: err}
	}

	methods, err := authMethods(auth)
	if err != nil {
		return nil, &transport.ConnectError{Endpoint: endpoint.Addr(), Reason: transport.ReasonAuthRejected, Err: err}
	}

	port := endpoint.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", endpoint.Host, port)

	clientConfig := &ssh.ClientConfig{
		User:            strings.TrimSpace(endpoint.User),
		Auth:            methods,
		HostKeyCallback: p.hostKeyCallback,
		Timeout:         p.dialTimeout,
	}

	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &transport.ConnectError{Endpoint: endpoint.Addr(), Reason: transport.ReasonUnreachable, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		reason := transport.ReasonProtocol
		if strings.Contains(err.Error(), "unable to authenticate") {
			reason = transport.ReasonAuthRejected
		}
		return nil, &transport.ConnectError{Endpoint: endpoint.Addr(), Reason: reason, Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	channel, err := openShell(client)
	if err != nil {
		_ = client.Close()
		return nil, &transport.ConnectError{Endpoint: endpoint.Addr(), Reason: transport.ReasonProtocol, Err: err}
	}
	return channel, nil
}

func authMethods(auth transport.Auth) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(auth.KeyPEM) > 0 {
		signer, err := parseSigner(auth)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if auth.Password != "" {
		methods = append(methods, ssh.Password(auth.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("either a password or key material is required")
	}
	return methods, nil
}

func parseSigner(auth transport.Auth) (ssh.Signer, error) {
	if auth.KeyPassphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(auth.KeyPEM, []byte(auth.KeyPassphrase))
		if err != nil {
			return nil, fmt.Errorf("parse encrypted private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(auth.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

func openShell(client *ssh.Client) (*shellChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(defaultTerm, defaultRows, defaultCols, modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellChannel{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

// shellChannel adapts an ssh session to transport.Channel.
type shellChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *shellChannel) Read(p []byte) (int, error) {
	n, err := c.stdout.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: ssh read: %v", transport.ErrTransport, err)
	}
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: remote closed the stream", transport.ErrTransport)
	}
	return n, nil
}

func (c *shellChannel) Write(p []byte) (int, error) {
	n, err := c.stdin.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: ssh write: %v", transport.ErrTransport, err)
	}
	return n, nil
}

func (c *shellChannel) Close() error {
	_ = c.stdin.Close()
	sessionErr := c.session.Close()
	clientErr := c.client.Close()
	if sessionErr != nil && !errors.Is(sessionErr, io.EOF) {
		return fmt.Errorf("close ssh session: %w", sessionErr)
	}
	if clientErr != nil {
		return fmt.Errorf("close ssh client: %w", clientErr)
	}
	return nil
}
