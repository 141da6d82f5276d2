package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHDialer — транспорт по умолчанию: одна SSH-сессия на Connect.
type SSHDialer struct {
	Port    int
	Timeout time.Duration
}

func (d *SSHDialer) Dial(target Target) Session {
	port := d.Port
	if port == 0 {
		port = 22
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &sshSession{target: target, port: port, timeout: timeout}
}

type sshSession struct {
	target  Target
	port    int
	timeout time.Duration
	client  *ssh.Client
}

func (s *sshSession) Connect(ctx context.Context) error {
	addr := s.target.Address
	if addr == "" {
		addr = s.target.Hostname
	}
	cfg := &ssh.ClientConfig{
		User: s.target.Creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.target.Creds.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = s.target.Creds.Password
				}
				return answers, nil
			}),
		},
		// network gear rotates host keys on RMA; pinning them here would
		// break every hardware swap
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.timeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(addr, fmt.Sprint(s.port)), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "permission denied") {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	s.client = client
	return nil
}

func (s *sshSession) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if s.client == nil {
		return "", ErrUnreachable
	}
	if command == "" {
		command = "\n" // liveness probe
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		ch <- result{out, err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case <-timer:
		_ = sess.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("command %q timed out after %s", command, timeout)
	case res := <-ch:
		return string(res.out), res.err
	}
}

func (s *sshSession) Disconnect() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
