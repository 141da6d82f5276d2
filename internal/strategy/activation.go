package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"swim/internal/models"
	"swim/internal/session"
)

// ActivationStrategy boots the device onto the distributed image.
type ActivationStrategy interface {
	Name() string
	CanHandle(d *models.Device) bool
	Activate(ctx context.Context, sess session.Session, d *models.Device, img *models.Image, logf Logf) (Result, error)
}

type ActivationRegistry struct {
	strategies []ActivationStrategy
}

func (r *ActivationRegistry) Register(s ActivationStrategy) {
	r.strategies = append(r.strategies, s)
}

func (r *ActivationRegistry) For(d *models.Device) ActivationStrategy {
	for _, s := range r.strategies {
		if s.CanHandle(d) {
			return s
		}
	}
	return nil
}

func DefaultActivationRegistry() *ActivationRegistry {
	r := &ActivationRegistry{}
	r.Register(&Cat9kInstallActivation{})
	r.Register(&BootSystemActivation{})
	return r
}

// "install add ... activate commit" can legitimately run very long: it
// expands packages and reloads the box.
const installTimeout = time.Hour

// Cat9kInstallActivation — install-mode flow for Catalyst 9000 switches.
type Cat9kInstallActivation struct{}

func (*Cat9kInstallActivation) Name() string { return "cat9k-install" }

func (*Cat9kInstallActivation) CanHandle(d *models.Device) bool {
	return Constraint{
		Models:     []string{"C9", "9300", "9400", "9500"},
		Platforms:  []string{"iosxe"},
		MinVersion: "16.6", // install mode appeared in 16.6
	}.Matches(d)
}

func (c *Cat9kInstallActivation) Activate(ctx context.Context, sess session.Session, d *models.Device, img *models.Image, logf Logf) (Result, error) {
	out, err := sess.Execute(ctx, "show version | include Installation mode", 60*time.Second)
	if err != nil {
		return Result{}, fmt.Errorf("show version: %w", err)
	}
	if strings.Contains(strings.ToUpper(out), "BUNDLE") {
		logf("device %s runs in BUNDLE mode, converting boot to packages.conf", d.Hostname)
		cmds := []string{
			"configure terminal",
			"no boot system",
			"boot system flash:packages.conf",
			"end",
		}
		for _, cmd := range cmds {
			if _, err := sess.Execute(ctx, cmd, 60*time.Second); err != nil {
				return Result{}, fmt.Errorf("%s: %w", cmd, err)
			}
		}
	}

	if _, err := sess.Execute(ctx, "copy running-config startup-config", 2*time.Minute); err != nil {
		return Result{}, fmt.Errorf("save config: %w", err)
	}
	logf("configuration saved on %s", d.Hostname)

	install := fmt.Sprintf("install add file flash:%s activate commit prompt-level none", img.Filename)
	logf("running: %s", install)
	out, err = sess.Execute(ctx, install, installTimeout)
	if err != nil {
		// the box usually reloads mid-command; the session dying here is
		// expected, not a failure
		if session.IsConnectionError(err) {
			logf("session dropped during install (device reloading)")
			return Result{OK: true, Message: "install issued, device reloading"}, nil
		}
		return Result{}, fmt.Errorf("install add: %w", err)
	}
	if strings.Contains(out, "FAILED") || strings.Contains(out, "Error") {
		return Result{Message: "install command reported failure"}, nil
	}
	return Result{OK: true, Message: "install add activate commit completed"}, nil
}

// BootSystemActivation — legacy boot-variable flow; the catch-all.
type BootSystemActivation struct{}

func (*BootSystemActivation) Name() string                  { return "boot-system" }
func (*BootSystemActivation) CanHandle(*models.Device) bool { return true }

func (b *BootSystemActivation) Activate(ctx context.Context, sess session.Session, d *models.Device, img *models.Image, logf Logf) (Result, error) {
	cmds := []string{
		"configure terminal",
		"no boot system",
		fmt.Sprintf("boot system flash:%s", img.Filename),
		"end",
	}
	for _, cmd := range cmds {
		if _, err := sess.Execute(ctx, cmd, 60*time.Second); err != nil {
			return Result{}, fmt.Errorf("%s: %w", cmd, err)
		}
	}
	if _, err := sess.Execute(ctx, "copy running-config startup-config", 2*time.Minute); err != nil {
		return Result{}, fmt.Errorf("save config: %w", err)
	}
	logf("boot variable set to %s on %s", img.Filename, d.Hostname)

	if _, err := sess.Execute(ctx, "reload", 2*time.Minute); err != nil {
		if session.IsConnectionError(err) {
			return Result{OK: true, Message: "reload issued, device restarting"}, nil
		}
		return Result{}, fmt.Errorf("reload: %w", err)
	}
	return Result{OK: true, Message: "boot variable set, reload issued"}, nil
}
