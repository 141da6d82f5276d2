package distribute

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"swim/internal/models"
	"swim/internal/session"
)

// TransferURL builds the source URL for the device-side copy command,
// embedding credentials when the protocol carries them.
func TransferURL(srv *models.FileServer, filename string) string {
	base := strings.Trim(srv.BasePath, "/")
	path := filename
	if base != "" {
		path = base + "/" + filename
	}
	auth := ""
	switch srv.Protocol {
	case "scp", "sftp", "ftp":
		if srv.Username != "" {
			auth = srv.Username
			if srv.Password != "" {
				auth += ":" + srv.Password
			}
			auth += "@"
		}
	}
	return fmt.Sprintf("%s://%s%s/%s", srv.Protocol, auth, srv.Address, path)
}

// copyImage issues the device-side copy and keeps a progress monitor running
// on a second session until the command returns.
func (d *Distributor) copyImage(ctx context.Context, sess session.Session, target session.Target, srv *models.FileServer, img *models.Image, logf Logf) (string, error) {
	url := TransferURL(srv, img.Filename)
	cmd := fmt.Sprintf("copy %s flash:%s", url, img.Filename)
	logf("starting transfer: %s -> flash:%s", redactURL(url), img.Filename)

	monCtx, stopMonitor := context.WithCancel(ctx)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		d.monitorProgress(monCtx, target, img, logf)
	}()

	out, err := sess.Execute(ctx, cmd, d.cfg.CopyTimeout)

	stopMonitor()
	<-monDone

	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return out, nil
}

// monitorProgress polls the growing file from an independent session so the
// copy session stays dedicated to the transfer. Best effort: monitor
// failures never fail the transfer.
func (d *Distributor) monitorProgress(ctx context.Context, target session.Target, img *models.Image, logf Logf) {
	mon := d.dialer.Dial(target)

	connected := false
	for i := 0; i < d.cfg.ConnectRetries; i++ {
		if err := mon.Connect(ctx); err == nil {
			connected = true
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.ConnectDelay):
		}
	}
	if !connected {
		logf("progress monitor unavailable, transfer continues blind")
		return
	}
	defer mon.Disconnect()

	ticker := time.NewTicker(d.cfg.MonitorInterval)
	defer ticker.Stop()

	var last int64 = -1
	settle := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		size, found, err := remoteFileSize(ctx, mon, img.Filename)
		if err != nil || !found {
			continue
		}
		if size != last {
			last = size
			settle = time.Time{}
			logf("transfer progress: %s", progressBar(size, img.SizeBytes))
			continue
		}
		// size stopped moving; after a settle window assume the copy
		// command is finishing up and stop polling
		if settle.IsZero() {
			settle = time.Now()
		} else if time.Since(settle) >= d.cfg.MonitorInterval {
			return
		}
	}
}

// progressBar renders "[#####.....] 50% (N/M bytes)"; total may be unknown.
func progressBar(done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%d bytes", done)
	}
	pct := int(done * 100 / total)
	if pct > 100 {
		pct = 100
	}
	const width = 20
	filled := pct * width / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	return fmt.Sprintf("[%s] %d%% (%d/%d bytes)", bar, pct, done, total)
}

var fileSizeRe = regexp.MustCompile(`(?m)^\s*\d+\s+[-drwx]+\s+([\d,]+)\s+.*\s(\S+)\s*$`)

// remoteFileSize lists the file on flash and extracts its size.
func remoteFileSize(ctx context.Context, sess session.Session, filename string) (int64, bool, error) {
	out, err := sess.Execute(ctx, fmt.Sprintf("dir flash: | include %s", filename), 60*time.Second)
	if err != nil {
		return 0, false, fmt.Errorf("dir flash: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, filename) {
			continue
		}
		m := fileSizeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		size, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
		if err != nil {
			continue
		}
		return size, true, nil
	}
	return 0, false, nil
}

// verifyMD5 asks the device itself to hash the file; pulling the image back
// over the wire to hash locally would double the transfer cost.
func verifyMD5(ctx context.Context, sess session.Session, img *models.Image, timeout time.Duration) (bool, error) {
	out, err := sess.Execute(ctx, fmt.Sprintf("verify /md5 flash:%s", img.Filename), timeout)
	if err != nil {
		return false, fmt.Errorf("verify /md5: %w", err)
	}
	return strings.Contains(strings.ToLower(out), strings.ToLower(img.MD5Checksum)), nil
}

var urlCredRe = regexp.MustCompile(`//[^@/]+@`)

func redactURL(url string) string {
	return urlCredRe.ReplaceAllString(url, "//***@")
}
