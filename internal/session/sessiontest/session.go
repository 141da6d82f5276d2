// Package sessiontest provides a scripted in-memory Session for unit tests.
package sessiontest

import (
	"context"
	"strings"
	"sync"
	"time"

	"swim/internal/session"
)

// Rule maps a command substring to a canned reply.
type Rule struct {
	Contains string
	Reply    string
	Err      error
}

// Session replays scripted replies and records every executed command.
type Session struct {
	mu        sync.Mutex
	rules     []Rule
	connected bool

	ConnectErr error
	// ConnectErrs, when non-empty, is consumed one error per Connect call
	// (nil entries mean success); lets tests script retry sequences.
	ConnectErrs []error

	Commands    []string
	Connects    int
	Disconnects int
}

var _ session.Session = (*Session)(nil)

func New(rules ...Rule) *Session {
	return &Session{rules: rules}
}

// Stub appends a rule after construction.
func (s *Session) Stub(contains, reply string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, Rule{Contains: contains, Reply: reply, Err: err})
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connects++
	if len(s.ConnectErrs) > 0 {
		err := s.ConnectErrs[0]
		s.ConnectErrs = s.ConnectErrs[1:]
		if err != nil {
			return err
		}
		s.connected = true
		return nil
	}
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.connected = true
	return nil
}

func (s *Session) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", session.ErrUnreachable
	}
	s.Commands = append(s.Commands, command)
	for _, r := range s.rules {
		if r.Contains != "" && strings.Contains(command, r.Contains) {
			return r.Reply, r.Err
		}
	}
	return "", nil
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disconnects++
	s.connected = false
	return nil
}

// Executed reports whether any recorded command contains substr.
func (s *Session) Executed(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// Dialer hands out sessions per hostname; unknown hosts get a fresh
// empty session.
type Dialer struct {
	mu       sync.Mutex
	Sessions map[string][]*Session
	dialed   map[string]int
	Dialed   []session.Target
}

var _ session.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{Sessions: map[string][]*Session{}, dialed: map[string]int{}}
}

// Add queues a session to be returned for host, in FIFO order.
func (d *Dialer) Add(host string, s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Sessions[host] = append(d.Sessions[host], s)
}

func (d *Dialer) Dial(target session.Target) session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dialed = append(d.Dialed, target)
	queue := d.Sessions[target.Hostname]
	i := d.dialed[target.Hostname]
	d.dialed[target.Hostname]++
	if i < len(queue) {
		return queue[i]
	}
	if len(queue) > 0 {
		return queue[len(queue)-1]
	}
	return New()
}
