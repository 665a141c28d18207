/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pve

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes a command and returns its trimmed stdout
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host
type ExecRunner struct{}

// Run implements Runner. The session is closed when ctx is done.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return strings.TrimSpace(stdout.String()), fmt.Errorf("%s: %w (stderr: %s)",
			commandLine(name, args), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// SSHConfig holds the connection settings for a remote Proxmox node
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string
	Timeout        time.Duration
}

// SSHSession wraps ssh.Session for mocking
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// SSHDialer opens a session to the configured host
type SSHDialer interface {
	Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (SSHSession, error)
}

// SSHRunner runs commands on a remote host over SSH, one connection per call
type SSHRunner struct {
	cfg    SSHConfig
	dialer SSHDialer
}

// NewSSHRunner creates a runner for cfg using a real TCP dialer
func NewSSHRunner(cfg SSHConfig) *SSHRunner {
	return NewSSHRunnerWithDialer(cfg, &tcpDialer{})
}

// NewSSHRunnerWithDialer creates a runner with a custom dialer (for testing)
func NewSSHRunnerWithDialer(cfg SSHConfig, dialer SSHDialer) *SSHRunner {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SSHRunner{cfg: cfg, dialer: dialer}
}

// Run implements Runner. The session is closed when ctx is done.
func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	clientConfig, err := r.clientConfig()
	if err != nil {
		return "", err
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	session, err := r.dialer.Dial(ctx, addr, clientConfig)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer func() { _ = session.Close() }()

	line := commandLine(name, args)

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(line)
		done <- result{out: out, err: err}
	}()

	var out []byte
	select {
	case res := <-done:
		out, err = res.out, res.err
	case <-ctx.Done():
		// Closing the session unblocks CombinedOutput
		_ = session.Close()
		return "", fmt.Errorf("%s on %s: %w", line, r.cfg.Host, ctx.Err())
	}
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("%s on %s: %w (output: %s)",
			line, r.cfg.Host, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(r.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", r.cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in known_hosts below
	if r.cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(r.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", r.cfg.KnownHostsPath, err)
		}
	}

	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.cfg.Timeout,
	}, nil
}

type tcpDialer struct{}

func (tcpDialer) Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (SSHSession, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	client := ssh.NewClient(c, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &clientSession{Session: session, client: client}, nil
}

// clientSession closes the underlying connection together with the session
type clientSession struct {
	*ssh.Session
	client *ssh.Client
}

func (s *clientSession) Close() error {
	_ = s.Session.Close()
	return s.client.Close()
}

// commandLine renders name and args as a POSIX shell command
func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, p := range append([]string{name}, args...) {
		parts = append(parts, shellQuote(p))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
