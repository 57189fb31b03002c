package camera

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Endpoint identifies an SSH login.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (e Endpoint) addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

func (e Endpoint) String() string {
	return e.User + "@" + e.addr()
}

// Conn runs commands over one established connection.
type Conn interface {
	Run(cmd string) (string, error)
	Close() error
}

// Dialer opens command connections. The timeout bounds connection setup.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, timeout time.Duration) (Conn, error)
}

// TransportError wraps any failure on the remote command channel.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from the remote command channel.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// SSHDialer dials real SSH servers with golang.org/x/crypto/ssh.
type SSHDialer struct {
	// KeyFiles are private keys offered for public-key auth. Missing files
	// are skipped.
	KeyFiles []string
	// KnownHosts, when set, verifies host keys against this file. When
	// empty, any host key is accepted.
	KnownHosts string
}

// DefaultKeyFiles returns the usual private key locations under ~/.ssh.
func DefaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

func (d *SSHDialer) config(ep Endpoint, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if ep.Password != "" {
		auth = append(auth, ssh.Password(ep.Password))
	}
	var signers []ssh.Signer
	for _, path := range d.KeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if d.KnownHosts != "" {
		cb, err := knownhosts.New(d.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Dial connects and authenticates within timeout.
func (d *SSHDialer) Dial(ctx context.Context, ep Endpoint, timeout time.Duration) (Conn, error) {
	cfg, err := d.config(ep, timeout)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nd := net.Dialer{Timeout: timeout}
	netConn, err := nd.DialContext(dctx, "tcp", ep.addr())
	if err != nil {
		return nil, err
	}
	// Bound the handshake as well as the TCP connect.
	_ = netConn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(netConn, ep.addr(), cfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
}

// Run executes cmd and returns its stdout. A non-zero exit status is only an
// error when the command printed nothing.
func (c *sshConn) Run(cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	out, err := session.Output(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) && len(out) > 0 {
			return string(out), nil
		}
		return string(out), err
	}
	return string(out), nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
