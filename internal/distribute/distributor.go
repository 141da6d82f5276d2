// Package distribute copies firmware images onto devices. Transfers across
// the whole installation share one counting semaphore so a large batch
// cannot melt the file servers.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"swim/internal/models"
	"swim/internal/session"
)

var (
	ErrChecksumMismatch = errors.New("md5 checksum mismatch after transfer")
	ErrTransferFailed   = errors.New("image transfer failed")
	ErrCancelled        = errors.New("job cancelled before transfer started")
)

type Logf func(format string, args ...any)

// ServerSource resolves transfer sources for a device.
type ServerSource interface {
	FileServerFor(d *models.Device) (*models.FileServer, error)
	GlobalDefaults(excludeID uint) ([]models.FileServer, error)
}

type Config struct {
	MaxConcurrent   int64
	ConnectRetries  int
	ConnectDelay    time.Duration
	MonitorInterval time.Duration
	CopyTimeout     time.Duration
	VerifyTimeout   time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 40
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = 10 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.CopyTimeout <= 0 {
		c.CopyTimeout = time.Hour
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Minute
	}
}

type Distributor struct {
	sem     *semaphore.Weighted
	dialer  session.Dialer
	servers ServerSource
	cfg     Config
}

func New(dialer session.Dialer, servers ServerSource, cfg Config) *Distributor {
	cfg.defaults()
	return &Distributor{
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		dialer:  dialer,
		servers: servers,
		cfg:     cfg,
	}
}

// Distribute pushes img onto dev over an already-connected session.
// target is used to open the secondary monitoring session. preferred, when
// non-nil, pins the file server; otherwise resolution walks
// device → site → region → global default. cancelled, when non-nil, is
// polled after the slot is acquired: a job cancelled while queued must not
// burn the slot on a doomed transfer. One retry against a different
// global-default server on transfer failure.
func (d *Distributor) Distribute(ctx context.Context, sess session.Session, target session.Target, dev *models.Device, img *models.Image, preferred *models.FileServer, cancelled func() bool, logf Logf) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire transfer slot: %w", err)
	}
	defer d.sem.Release(1)

	// cancellation may have landed while we queued for a slot
	if err := ctx.Err(); err != nil {
		return err
	}
	if cancelled != nil && cancelled() {
		return ErrCancelled
	}

	srv := preferred
	if srv == nil {
		var err error
		srv, err = d.servers.FileServerFor(dev)
		if err != nil {
			return fmt.Errorf("resolve file server: %w", err)
		}
	}
	logf("using file server %s (%s)", srv.Name, srv.Address)

	skip, err := d.alreadyPresent(ctx, sess, img, logf)
	if err != nil {
		return err
	}
	if skip {
		logf("image %s already on flash with matching checksum, transfer skipped", img.Filename)
		return nil
	}

	err = d.transferAndVerify(ctx, sess, target, srv, img, logf)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChecksumMismatch) || ctx.Err() != nil {
		return err
	}

	// one shot at a different global default before giving up
	fallbacks, ferr := d.servers.GlobalDefaults(srv.ID)
	if ferr != nil || len(fallbacks) == 0 {
		return err
	}
	fb := fallbacks[0]
	logf("transfer from %s failed (%v), retrying via %s", srv.Name, err, fb.Name)
	return d.transferAndVerify(ctx, sess, target, &fb, img, logf)
}

// alreadyPresent — smart skip: size match on flash plus on-device MD5.
func (d *Distributor) alreadyPresent(ctx context.Context, sess session.Session, img *models.Image, logf Logf) (bool, error) {
	size, found, err := remoteFileSize(ctx, sess, img.Filename)
	if err != nil {
		return false, err
	}
	if !found || size != img.SizeBytes || img.SizeBytes == 0 {
		return false, nil
	}
	logf("found %s on flash with matching size, verifying checksum", img.Filename)
	if img.MD5Checksum == "" {
		return true, nil
	}
	ok, err := verifyMD5(ctx, sess, img, d.cfg.VerifyTimeout)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (d *Distributor) transferAndVerify(ctx context.Context, sess session.Session, target session.Target, srv *models.FileServer, img *models.Image, logf Logf) error {
	out, err := d.copyImage(ctx, sess, target, srv, img, logf)
	if err != nil {
		return err
	}
	if err := d.verifyTransfer(ctx, sess, out, img, logf); err != nil {
		return err
	}
	logf("image %s distributed and verified", img.Filename)
	return nil
}

// verifyTransfer confirms completion through a fallback chain: exact size
// match, else completion text in the copy output, else bare presence on
// flash. Any one confirms. Then the checksum; a mismatch there is terminal,
// no retry, the source file itself is suspect.
func (d *Distributor) verifyTransfer(ctx context.Context, sess session.Session, copyOutput string, img *models.Image, logf Logf) error {
	size, found, err := remoteFileSize(ctx, sess, img.Filename)
	if err != nil {
		return err
	}
	switch {
	case found && img.SizeBytes > 0 && size == img.SizeBytes:
		logf("size on flash matches (%d bytes)", size)
	case strings.Contains(copyOutput, "bytes copied") || strings.Contains(copyOutput, "OK"):
		logf("copy output confirms completion")
	case found:
		logf("%s present on flash, accepting transfer", img.Filename)
	default:
		return fmt.Errorf("%w: %s not present on flash after copy", ErrTransferFailed, img.Filename)
	}
	logf("completion checks passed, verifying md5")

	if img.MD5Checksum != "" {
		ok, err := verifyMD5(ctx, sess, img, d.cfg.VerifyTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return ErrChecksumMismatch
		}
	}
	return nil
}
