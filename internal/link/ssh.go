package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/GoTX/internal/regs"
)

// SSHConfig describes a host that runs the bridge program and forwards the
// frame protocol over its stdin and stdout.
type SSHConfig struct {
	Host     string
	User     string
	Password string
	KeyPath  string
	Port     int
	Command  string
}

func (c *SSHConfig) defaults() {
	if c.User == "" {
		c.User = "root"
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Command == "" {
		c.Command = "txbridge --stdio"
	}
}

// parseTarget fills Host, User and Port from "[user@]host[:port]".
func (c *SSHConfig) parseTarget(s string) error {
	if user, rest, ok := strings.Cut(s, "@"); ok {
		c.User = user
		s = rest
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		c.Host = s
		return nil
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("link: ssh port %q: %w", port, err)
	}
	c.Host, c.Port = host, p
	return nil
}

func (c SSHConfig) authMethods() ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if c.KeyPath != "" {
		key, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("link: read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("link: parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("link: no ssh password or key configured")
	}
	return auth, nil
}

// SSH runs the bridge program on a remote host.
type SSH struct {
	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	timeout time.Duration
}

// DialSSH connects to cfg.Host and starts cfg.Command.
func DialSSH(ctx context.Context, cfg SSHConfig, timeout time.Duration) (*SSH, error) {
	cfg.defaults()
	if cfg.Host == "" {
		return nil, errors.New("link: ssh host is required")
	}
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("link: dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("link: create ssh client: %w", err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)

	s, err := startBridge(client, cfg.Command)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.timeout = timeout
	if err := s.Write(nil); err != nil {
		s.Close()
		return nil, fmt.Errorf("link: ssh handshake: %w", err)
	}
	return s, nil
}

func startBridge(client *ssh.Client, command string) (*SSH, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("link: create ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("link: ssh stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("link: ssh stdout: %w", err)
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("link: start %q: %w", command, err)
	}
	return &SSH{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

// Write sends p and a commit to the bridge program and waits for its ack.
func (s *SSH) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ErrClosed
	}
	burst := append(append(make([]byte, 0, len(p)+regs.FrameSize), p...), regs.Commit()...)
	if _, err := s.stdin.Write(burst); err != nil {
		return fmt.Errorf("link: ssh write: %w", err)
	}
	if err := regs.ReadAck(s.readLocked); err != nil {
		return fmt.Errorf("link: ssh ack: %w", err)
	}
	return nil
}

// Read reads exactly n reply bytes from the bridge program.
func (s *SSH) Read(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, ErrClosed
	}
	return s.readLocked(n)
}

// readLocked gives up on a silent bridge by tearing the session down, so a
// late reply can never be taken as the answer to a later request.
func (s *SSH) readLocked(n int) ([]byte, error) {
	b, err := readFull(s.stdout, n, s.timeout, func() { _ = s.closeLocked() })
	if err != nil {
		return nil, fmt.Errorf("link: ssh read: %w", err)
	}
	return b, nil
}

// Close stops the bridge program and drops the connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SSH) closeLocked() error {
	if s.session == nil {
		return nil
	}
	_ = s.stdin.Close()
	_ = s.session.Close()
	err := s.client.Close()
	s.session, s.client = nil, nil
	s.stdin, s.stdout = nil, nil
	return err
}
