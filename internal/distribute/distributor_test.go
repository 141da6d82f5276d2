package distribute

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swim/internal/models"
	"swim/internal/session"
	"swim/internal/session/sessiontest"
)

const dirLine = "    7  -rw-   601,216,545  Jul 12 2021 12:42:42 +00:00  img.bin"

type fakeServers struct {
	resolved  *models.FileServer
	fallbacks []models.FileServer
}

func (f *fakeServers) FileServerFor(*models.Device) (*models.FileServer, error) {
	if f.resolved == nil {
		return nil, errors.New("no server")
	}
	return f.resolved, nil
}

func (f *fakeServers) GlobalDefaults(excludeID uint) ([]models.FileServer, error) {
	var out []models.FileServer
	for _, fs := range f.fallbacks {
		if fs.ID != excludeID {
			out = append(out, fs)
		}
	}
	return out, nil
}

func testTarget() session.Target {
	return session.Target{Hostname: "sw1", Address: "10.0.0.1"}
}

func quiet(string, ...any) {}

func TestTransferURL(t *testing.T) {
	srv := &models.FileServer{
		Protocol: "scp", Address: "images.example.com", BasePath: "/firmware/",
		Username: "svc", Password: "p@ss",
	}
	assert.Equal(t,
		"scp://svc:p@ss@images.example.com/firmware/img.bin",
		TransferURL(srv, "img.bin"))

	// http sources do not embed credentials in the URL
	srv.Protocol = "http"
	assert.Equal(t, "http://images.example.com/firmware/img.bin", TransferURL(srv, "img.bin"))
}

func TestDistributeSmartSkip(t *testing.T) {
	img := &models.Image{Filename: "img.bin", SizeBytes: 601216545, MD5Checksum: "abcdef0123"}
	sess := sessiontest.New(
		sessiontest.Rule{Contains: "dir flash:", Reply: dirLine},
		sessiontest.Rule{Contains: "verify /md5", Reply: "verified = abcdef0123"},
	)
	require.NoError(t, sess.Connect(context.Background()))

	d := New(sessiontest.NewDialer(), &fakeServers{resolved: &models.FileServer{Name: "srv"}}, Config{})
	err := d.Distribute(context.Background(), sess, testTarget(),
		&models.Device{Hostname: "sw1"}, img, nil, nil, quiet)
	require.NoError(t, err)
	assert.False(t, sess.Executed("copy "), "matching image on flash must not be re-copied")
}

func TestDistributeChecksumMismatchIsTerminal(t *testing.T) {
	img := &models.Image{Filename: "img.bin", MD5Checksum: "expected00"}
	sess := sessiontest.New(
		sessiontest.Rule{Contains: "dir flash:", Reply: dirLine},
		sessiontest.Rule{Contains: "copy ", Reply: "601216545 bytes copied in 112.21 secs"},
		sessiontest.Rule{Contains: "verify /md5", Reply: "verified = deadbeef99"},
	)
	require.NoError(t, sess.Connect(context.Background()))

	srv := &models.FileServer{Name: "primary", Protocol: "scp", Address: "a"}
	srv.ID = 1
	fb := models.FileServer{Name: "fallback", Protocol: "scp", Address: "b", IsGlobalDefault: true}
	fb.ID = 2

	d := New(sessiontest.NewDialer(), &fakeServers{resolved: srv, fallbacks: []models.FileServer{fb}}, Config{})
	err := d.Distribute(context.Background(), sess, testTarget(),
		&models.Device{Hostname: "sw1"}, img, nil, nil, quiet)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	copies := 0
	for _, c := range sess.Commands {
		if strings.HasPrefix(c, "copy ") {
			copies++
		}
	}
	assert.Equal(t, 1, copies, "checksum mismatch must not trigger the fallback retry")
}

func TestDistributeFallbackRetry(t *testing.T) {
	img := &models.Image{Filename: "img.bin"}
	sess := sessiontest.New(
		sessiontest.Rule{Contains: "dir flash:", Reply: dirLine},
		sessiontest.Rule{Contains: "copy scp://bad", Err: errors.New("connection timed out")},
		sessiontest.Rule{Contains: "copy scp://good", Reply: "601216545 bytes copied in 99.1 secs"},
	)
	require.NoError(t, sess.Connect(context.Background()))

	primary := &models.FileServer{Name: "primary", Protocol: "scp", Address: "bad"}
	primary.ID = 1
	fb := models.FileServer{Name: "fallback", Protocol: "scp", Address: "good", IsGlobalDefault: true}
	fb.ID = 2

	d := New(sessiontest.NewDialer(), &fakeServers{resolved: primary, fallbacks: []models.FileServer{fb}}, Config{})
	err := d.Distribute(context.Background(), sess, testTarget(),
		&models.Device{Hostname: "sw1"}, img, nil, nil, quiet)
	require.NoError(t, err)
	assert.True(t, sess.Executed("copy scp://good"))
}

// copyAwareSession makes the image appear on flash only after the copy
// command ran, so the pre-copy presence probe comes back empty.
type copyAwareSession struct {
	*sessiontest.Session
	copyReply string
	copied    bool
}

func (c *copyAwareSession) Execute(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if strings.HasPrefix(cmd, "copy ") {
		c.copied = true
		_, _ = c.Session.Execute(ctx, cmd, timeout)
		return c.copyReply, nil
	}
	if strings.Contains(cmd, "dir flash:") && !c.copied {
		_, _ = c.Session.Execute(ctx, cmd, timeout)
		return "%Error opening flash:/img.bin (No such file or directory)", nil
	}
	return c.Session.Execute(ctx, cmd, timeout)
}

func TestDistributeSizeMatchAloneConfirms(t *testing.T) {
	// IOS variants phrase the copy result differently; a size match on flash
	// must confirm the transfer even when the output has no known marker
	img := &models.Image{Filename: "img.bin", SizeBytes: 601216545}
	sess := &copyAwareSession{
		Session: sessiontest.New(
			sessiontest.Rule{Contains: "dir flash:", Reply: dirLine},
		),
		copyReply: "Copy complete.",
	}
	require.NoError(t, sess.Connect(context.Background()))

	d := New(sessiontest.NewDialer(), &fakeServers{resolved: &models.FileServer{Name: "srv", Protocol: "scp", Address: "a"}}, Config{})
	err := d.Distribute(context.Background(), sess, testTarget(),
		&models.Device{Hostname: "sw1"}, img, nil, nil, quiet)
	require.NoError(t, err)
	assert.True(t, sess.Executed("copy "))
}

func TestDistributePresenceAloneConfirms(t *testing.T) {
	img := &models.Image{Filename: "img.bin"} // size unknown
	sess := &copyAwareSession{
		Session: sessiontest.New(
			sessiontest.Rule{Contains: "dir flash:", Reply: dirLine},
		),
		copyReply: "Copy complete.",
	}
	require.NoError(t, sess.Connect(context.Background()))

	d := New(sessiontest.NewDialer(), &fakeServers{resolved: &models.FileServer{Name: "srv", Protocol: "scp", Address: "a"}}, Config{})
	err := d.Distribute(context.Background(), sess, testTarget(),
		&models.Device{Hostname: "sw1"}, img, nil, nil, quiet)
	require.NoError(t, err)
}

func TestDistributeCancelledWhileQueued(t *testing.T) {
	img := &models.Image{Filename: "img.bin"}
	sess := sessiontest.New()
	require.NoError(t, sess.Connect(context.Background()))

	d := New(sessiontest.NewDialer(), &fakeServers{resolved: &models.FileServer{Name: "srv"}}, Config{})
	err := d.Distribute(context.Background(), sess, testTarget(),
		&models.Device{Hostname: "sw1"}, img, nil, func() bool { return true }, quiet)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, sess.Commands, "a cancelled job must not touch the device")
}

// gateSession blocks the copy command until the gate closes, so the test can
// hold a transfer slot open.
type gateSession struct {
	*sessiontest.Session
	gate chan struct{}
}

func (g *gateSession) Execute(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if strings.HasPrefix(cmd, "copy ") {
		select {
		case <-g.gate:
			return "601216545 bytes copied in 10 secs", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.Session.Execute(ctx, cmd, timeout)
}

func TestDistributeConcurrencyBound(t *testing.T) {
	img := &models.Image{Filename: "img.bin"}
	servers := &fakeServers{resolved: &models.FileServer{Name: "srv", Protocol: "scp", Address: "a"}}
	d := New(sessiontest.NewDialer(), servers, Config{MaxConcurrent: 1, MonitorInterval: time.Millisecond})

	gate := make(chan struct{})
	first := &gateSession{Session: sessiontest.New(
		sessiontest.Rule{Contains: "dir flash:", Reply: dirLine},
	), gate: gate}
	require.NoError(t, first.Connect(context.Background()))

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- d.Distribute(context.Background(), first, testTarget(),
			&models.Device{Hostname: "sw1"}, img, nil, nil, quiet)
	}()

	// wait until the first transfer is inside its copy command
	require.Eventually(t, func() bool { return first.Executed("dir flash:") },
		2*time.Second, 5*time.Millisecond)

	// second transfer cannot get the slot and must give up with the context
	second := sessiontest.New()
	require.NoError(t, second.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := d.Distribute(ctx, second, testTarget(),
		&models.Device{Hostname: "sw2"}, img, nil, nil, quiet)
	require.Error(t, err)
	assert.False(t, second.Executed("copy "))

	close(gate)
	require.NoError(t, <-firstDone)
}
