package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyChanged means known_hosts holds a different key for the host.
var ErrHostKeyChanged = errors.New("host key changed")

var errKeyCaptured = errors.New("host key captured")

// EnsureKnownHostsFile creates the file and its directory if missing.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost records key for addr (host or host:port).
func AppendKnownHost(path, addr string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback backed by path.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// ScanHostKey connects to addr far enough to read the server's host key.
// No authentication is attempted.
func ScanHostKey(ctx context.Context, addr string, timeout time.Duration) (xssh.PublicKey, net.Addr, error) {
	addr = withDefaultPort(addr)
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	var key xssh.PublicKey
	cfg := &xssh.ClientConfig{
		User: "taskr",
		HostKeyCallback: func(_ string, _ net.Addr, k xssh.PublicKey) error {
			key = k
			return errKeyCaptured
		},
	}
	_, _, _, err = xssh.NewClientConn(conn, addr, cfg)
	if key == nil {
		return nil, nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return key, conn.RemoteAddr(), nil
}

// TrustHost scans addr and appends its key to known_hosts unless it is
// already there. A host whose recorded key differs is refused.
func TrustHost(ctx context.Context, path, addr string, timeout time.Duration) (xssh.PublicKey, bool, error) {
	key, remote, err := ScanHostKey(ctx, addr, timeout)
	if err != nil {
		return nil, false, err
	}
	cb, err := LoadKnownHostsCallback(path)
	if err != nil {
		return nil, false, err
	}
	hostport := withDefaultPort(addr)
	err = cb(hostport, remote, key)
	if err == nil {
		return key, false, nil
	}
	var ke *knownhosts.KeyError
	if !errors.As(err, &ke) {
		return nil, false, err
	}
	if len(ke.Want) > 0 {
		return nil, false, fmt.Errorf("%w: %s now presents %s", ErrHostKeyChanged, hostport, xssh.FingerprintSHA256(key))
	}
	if err := AppendKnownHost(path, hostport, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
