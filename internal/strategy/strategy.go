// Package strategy holds the capability-gated behaviour catalogs: readiness
// checks and activation flows keyed off device model, platform and version.
// Selection is first-match in registration order, so specific strategies
// register before the catch-all default.
package strategy

import (
	"strconv"
	"strings"

	"swim/internal/models"
)

// Constraint describes which devices a strategy claims.
// Empty fields match anything.
type Constraint struct {
	Models     []string // substring match, case-insensitive
	Platforms  []string // exact match, case-insensitive
	MinVersion string
	MaxVersion string
}

func (c Constraint) Matches(d *models.Device) bool {
	if len(c.Models) > 0 {
		name := ""
		if d.Hw != nil {
			name = d.Hw.Name
		}
		if !containsFold(name, c.Models) {
			return false
		}
	}
	if len(c.Platforms) > 0 && !equalsFold(d.Platform, c.Platforms) {
		return false
	}
	if c.MinVersion != "" && !versionAtLeast(d.Version, c.MinVersion) {
		return false
	}
	if c.MaxVersion != "" && !versionAtMost(d.Version, c.MaxVersion) {
		return false
	}
	return true
}

func containsFold(name string, patterns []string) bool {
	name = strings.ToLower(name)
	for _, p := range patterns {
		if strings.Contains(name, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func equalsFold(v string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Version bounds are permissive: a version either side cannot parse does not
// exclude the device. Vendor version strings are too messy to be a hard gate.
func versionAtLeast(v, min string) bool {
	cmp, ok := compareDotted(v, min)
	return !ok || cmp >= 0
}

func versionAtMost(v, max string) bool {
	cmp, ok := compareDotted(v, max)
	return !ok || cmp <= 0
}

// compareDotted compares dotted version strings numerically, taking the
// leading digit run of every segment ("17.3(2a)" → 17.3). ok=false when any
// needed segment has no leading digits.
func compareDotted(a, b string) (int, bool) {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, aok := segmentNum(as, i)
		bv, bok := segmentNum(bs, i)
		if !aok || !bok {
			return 0, false
		}
		if av != bv {
			if av < bv {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, true
}

// segmentNum returns the leading integer of segment i; missing segments
// count as 0.
func segmentNum(segs []string, i int) (int, bool) {
	if i >= len(segs) {
		return 0, true
	}
	s := segs[i]
	j := 0
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:j])
	if err != nil {
		return 0, false
	}
	return n, true
}
