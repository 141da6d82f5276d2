package strategy

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

// Result — исход проверки/активации.
type Result struct {
	OK      bool
	Warning bool
	Message string
}

// Logf emits a line into the job log.
type Logf func(format string, args ...any)

// ReadinessStrategy decides whether a device may take the upgrade.
type ReadinessStrategy interface {
	Name() string
	CanHandle(d *models.Device) bool
	Check(ctx context.Context, sess session.Session, d *models.Device, img *models.Image, logf Logf) (Result, error)
}

// ReadinessRegistry — ordered, first CanHandle wins.
type ReadinessRegistry struct {
	strategies []ReadinessStrategy
}

func (r *ReadinessRegistry) Register(s ReadinessStrategy) {
	r.strategies = append(r.strategies, s)
}

func (r *ReadinessRegistry) For(d *models.Device) ReadinessStrategy {
	for _, s := range r.strategies {
		if s.CanHandle(d) {
			return s
		}
	}
	return nil
}

// DefaultReadinessRegistry — specific strategies first, catch-all last.
func DefaultReadinessRegistry() *ReadinessRegistry {
	r := &ReadinessRegistry{}
	r.Register(&Cat9300Readiness{})
	r.Register(&GenericReadiness{})
	return r
}

// Need this much headroom on flash relative to image size: the install
// process expands packages next to the original file.
const flashHeadroom = 2.5

var bytesFreeRe = regexp.MustCompile(`(?i)([\d,]+)\s+bytes\s+(?:free|available)`)

// GenericReadiness: liveness probe + flash free-space check. Handles
// everything (registered last).
type GenericReadiness struct{}

func (*GenericReadiness) Name() string                  { return "generic" }
func (*GenericReadiness) CanHandle(*models.Device) bool { return true }

func (g *GenericReadiness) Check(ctx context.Context, sess session.Session, d *models.Device, img *models.Image, logf Logf) (Result, error) {
	if !session.Alive(ctx, sess) {
		return Result{Message: "device did not answer liveness probe"}, nil
	}
	logf("device %s is reachable", d.Hostname)
	return checkFlashSpace(ctx, sess, img, logf)
}

func checkFlashSpace(ctx context.Context, sess session.Session, img *models.Image, logf Logf) (Result, error) {
	out, err := sess.Execute(ctx, "dir flash: | include bytes", 60*time.Second)
	if err != nil {
		return Result{}, fmt.Errorf("dir flash: %w", err)
	}
	m := bytesFreeRe.FindStringSubmatch(out)
	if m == nil {
		// cannot read free space — ready with a warning, not a hard stop
		logf("could not parse flash free space, continuing")
		return Result{OK: true, Warning: true, Message: "flash free space unknown"}, nil
	}
	free, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return Result{OK: true, Warning: true, Message: "flash free space unparseable"}, nil
	}
	if img == nil || img.SizeBytes <= 0 {
		return Result{OK: true, Warning: true, Message: "image size unknown, skipped space check"}, nil
	}
	need := int64(float64(img.SizeBytes) * flashHeadroom)
	logf("flash: %d bytes free, need %d", free, need)
	if free < need {
		return Result{Message: fmt.Sprintf("insufficient flash: %d bytes free, need %d", free, need)}, nil
	}
	return Result{OK: true, Message: fmt.Sprintf("ready: %d bytes free", free)}, nil
}

// Cat9300Readiness adds the ROMmon variable check: a stack with
// SWITCH_IGNORE_STARTUP_CFG=1 would come up unconfigured after reload.
type Cat9300Readiness struct{}

func (*Cat9300Readiness) Name() string { return "cat9300" }

func (*Cat9300Readiness) CanHandle(d *models.Device) bool {
	return Constraint{Models: []string{"9300"}, Platforms: []string{"iosxe"}}.Matches(d)
}

func (c *Cat9300Readiness) Check(ctx context.Context, sess session.Session, d *models.Device, img *models.Image, logf Logf) (Result, error) {
	res, err := (&GenericReadiness{}).Check(ctx, sess, d, img, logf)
	if err != nil || !res.OK {
		return res, err
	}
	out, err := sess.Execute(ctx, "show romvar | include SWITCH_IGNORE_STARTUP_CFG", 60*time.Second)
	if err != nil {
		return Result{}, fmt.Errorf("show romvar: %w", err)
	}
	if strings.Contains(out, "SWITCH_IGNORE_STARTUP_CFG=1") {
		return Result{Message: "SWITCH_IGNORE_STARTUP_CFG=1 is set, reload would ignore startup-config"}, nil
	}
	logf("romvar check passed on %s", d.Hostname)
	return res, nil
}
