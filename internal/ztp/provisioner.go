// Package ztp turns day-zero device call-homes into upgrade jobs. A device
// (or the provisioning system acting for it) hits the webhook with its
// address; the provisioner logs into the device to learn who it actually is,
// then the matching policy decides whether an upgrade is needed and fires
// one off.
package ztp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swim/internal/models"
	"swim/internal/session"
)

var ErrUnknownToken = errors.New("unknown webhook token")

type Store interface {
	PolicyByToken(token string) (*models.ZTPWorkflow, error)
	BumpCounters(id uint, completed, failed, skipped int64) error
	FindByMAC(mac string) (*models.Device, error)
	FindByHostname(hostname string) (*models.Device, error)
	CreateDevice(d *models.Device) error
	CredentialsFor(d *models.Device) session.Credentials
	UpdateFacts(id uint, version, reachability, syncStatus string) error
	GoldenImageFor(platform, site string) (*models.GoldenImage, error)
	CreateJob(j *models.Job) error
	JobStatus(id uint) (string, error)
}

type Runner interface {
	RunJob(ctx context.Context, jobID uint) error
}

// DeviceReport — то, что вебхук сообщает об устройстве. Only the address is
// required; identity and facts are read off the device itself.
type DeviceReport struct {
	IPAddress string `json:"ip_address"`
	Platform  string `json:"platform"`
	Site      string `json:"site"`
	Family    string `json:"family"`

	// Optional credentials for the discovery session; global fallback
	// otherwise.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Secret   string `json:"secret,omitempty"`

	// Hints; overwritten by whatever the device reports about itself.
	Hostname   string `json:"hostname,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	Model      string `json:"model,omitempty"`
	Version    string `json:"version,omitempty"`
}

func (r DeviceReport) validate() error {
	if r.IPAddress == "" {
		return errors.New("report must carry an ip_address")
	}
	return nil
}

const (
	OutcomeStarted   = "started"
	OutcomeFiltered  = "filtered"
	OutcomeCompliant = "compliant"
)

type Outcome struct {
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
	JobID  uint   `json:"job_id,omitempty"`
}

type Provisioner struct {
	store  Store
	runner Runner
	dialer session.Dialer
	log    *logrus.Logger

	wg sync.WaitGroup
}

func New(store Store, runner Runner, dialer session.Dialer, log *logrus.Logger) *Provisioner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Provisioner{store: store, runner: runner, dialer: dialer, log: log}
}

// Provision handles one call-home: log into the reported address, learn the
// device's identity and facts, match or enroll it, apply policy filters and
// compliance, and when an upgrade is needed start the job asynchronously.
// Every accepted report lands in exactly one policy counter: completed,
// failed or skipped.
func (p *Provisioner) Provision(ctx context.Context, token string, report DeviceReport) (Outcome, error) {
	policy, err := p.store.PolicyByToken(token)
	if err != nil {
		return Outcome{}, ErrUnknownToken
	}
	if err := report.validate(); err != nil {
		return Outcome{}, err
	}

	facts, err := p.discover(ctx, report)
	if err != nil {
		_ = p.store.BumpCounters(policy.ID, 0, 1, 0)
		p.log.WithError(err).WithField("address", report.IPAddress).Error("ztp: discovery failed")
		return Outcome{}, fmt.Errorf("discover %s: %w", report.IPAddress, err)
	}

	if reason, ok := p.matchesFilters(policy, facts); !ok {
		_ = p.store.BumpCounters(policy.ID, 0, 0, 1)
		p.log.WithFields(logrus.Fields{"policy": policy.Name, "device": facts.Hostname, "reason": reason}).
			Info("ztp: device filtered out")
		return Outcome{Result: OutcomeFiltered, Reason: reason}, nil
	}

	dev, err := p.matchOrCreate(facts)
	if err != nil {
		return Outcome{}, fmt.Errorf("match device: %w", err)
	}
	_ = p.store.UpdateFacts(dev.ID, facts.Version, "Reachable", "Completed")

	golden, err := p.store.GoldenImageFor(dev.Platform, facts.Site)
	if err != nil {
		_ = p.store.BumpCounters(policy.ID, 0, 0, 1)
		return Outcome{Result: OutcomeFiltered,
			Reason: fmt.Sprintf("no golden image for platform %s", dev.Platform)}, nil
	}
	if golden.Image != nil && golden.Image.Version != "" &&
		strings.EqualFold(facts.Version, golden.Image.Version) {
		_ = p.store.BumpCounters(policy.ID, 0, 0, 1)
		p.log.WithFields(logrus.Fields{"device": dev.Hostname, "version": facts.Version}).
			Info("ztp: device already compliant")
		return Outcome{Result: OutcomeCompliant,
			Reason: fmt.Sprintf("already running %s", facts.Version)}, nil
	}

	job := &models.Job{
		DeviceID:   dev.ID,
		ImageID:    &golden.ImageID,
		WorkflowID: policy.WorkflowID,
		Status:     models.JobPending,
		TaskName:   fmt.Sprintf("ZTP-%s", policy.Name),
		SelectedChecks: append(append([]models.ValidationCheck{},
			policy.PreChecks...), policy.PostChecks...),
	}
	if err := p.store.CreateJob(job); err != nil {
		return Outcome{}, fmt.Errorf("create job: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runAndCount(policy.ID, job.ID)
	}()

	return Outcome{Result: OutcomeStarted, JobID: job.ID}, nil
}

// Wait blocks until all in-flight provisioning jobs finish (shutdown path).
func (p *Provisioner) Wait() { p.wg.Wait() }

var (
	hostnameRe = regexp.MustCompile(`(?m)^(\S+)\s+uptime is`)
	versionRe  = regexp.MustCompile(`Version\s+([^,\s\]]+)`)
	macRe      = regexp.MustCompile(`MAC Address\s*:\s*([0-9A-Fa-f.:-]+)`)
	modelRe    = regexp.MustCompile(`Model Number\s*:\s*(\S+)`)
)

// discover logs into the reported address and reads identity and facts off
// "show version". The payload is a hint; the device is the authority.
func (p *Provisioner) discover(ctx context.Context, r DeviceReport) (DeviceReport, error) {
	creds := session.Credentials{Username: r.Username, Password: r.Password, Secret: r.Secret}
	if creds.Username == "" {
		creds = p.store.CredentialsFor(&models.Device{})
	}
	platform := r.Platform
	if platform == "" {
		platform = "iosxe"
	}
	target := session.Target{Hostname: r.IPAddress, Address: r.IPAddress, Platform: platform, Creds: creds}

	sess := p.dialer.Dial(target)
	if err := sess.Connect(ctx); err != nil {
		return r, session.ConnectError(target, err)
	}
	defer sess.Disconnect()

	out, err := sess.Execute(ctx, "show version", time.Minute)
	if err != nil {
		return r, fmt.Errorf("show version: %w", err)
	}
	if m := hostnameRe.FindStringSubmatch(out); m != nil {
		r.Hostname = m[1]
	}
	if m := macRe.FindStringSubmatch(out); m != nil {
		r.MACAddress = m[1]
	}
	if m := versionRe.FindStringSubmatch(out); m != nil {
		r.Version = m[1]
	}
	if m := modelRe.FindStringSubmatch(out); m != nil {
		r.Model = m[1]
	}
	if r.Hostname == "" && r.MACAddress == "" {
		return r, errors.New("device reported neither hostname nor mac address")
	}
	return r, nil
}

func (p *Provisioner) runAndCount(policyID, jobID uint) {
	// detached from the webhook request context: the upgrade outlives it
	err := p.runner.RunJob(context.Background(), jobID)
	st, sterr := p.store.JobStatus(jobID)
	switch {
	case err == nil && sterr == nil && st == models.JobSuccess:
		_ = p.store.BumpCounters(policyID, 1, 0, 0)
	default:
		_ = p.store.BumpCounters(policyID, 0, 1, 0)
		if err != nil {
			p.log.WithError(err).WithField("job", jobID).Error("ztp: job run failed")
		}
	}
}

func (p *Provisioner) matchesFilters(policy *models.ZTPWorkflow, r DeviceReport) (string, bool) {
	type filter struct{ want, got, name string }
	for _, f := range []filter{
		{policy.SiteFilter, r.Site, "site"},
		{policy.PlatformFilter, r.Platform, "platform"},
		{policy.FamilyFilter, r.Family, "family"},
	} {
		if f.want != "" && !strings.EqualFold(f.want, f.got) {
			return fmt.Sprintf("%s %q does not match policy %q", f.name, f.got, f.want), false
		}
	}
	if policy.ModelFilter != "" &&
		!strings.Contains(strings.ToLower(r.Model), strings.ToLower(policy.ModelFilter)) {
		return fmt.Sprintf("model %q does not match policy %q", r.Model, policy.ModelFilter), false
	}
	return "", true
}

// matchOrCreate finds the inventory record by MAC first (survives renames),
// then hostname; unknown devices are enrolled on the spot.
func (p *Provisioner) matchOrCreate(r DeviceReport) (*models.Device, error) {
	if r.MACAddress != "" {
		if d, err := p.store.FindByMAC(r.MACAddress); err == nil {
			return d, nil
		}
	}
	if r.Hostname != "" {
		if d, err := p.store.FindByHostname(r.Hostname); err == nil {
			return d, nil
		}
	}

	d := &models.Device{
		Hostname:   r.Hostname,
		MACAddress: strings.ToUpper(r.MACAddress),
		IPAddress:  r.IPAddress,
		Platform:   r.Platform,
		Family:     r.Family,
		Version:    r.Version,
		BootMethod: "ztp",
	}
	if d.Platform == "" {
		d.Platform = "iosxe"
	}
	if d.Hostname == "" {
		d.Hostname = "ztp-" + strings.ToLower(strings.ReplaceAll(r.MACAddress, ":", ""))
	}
	if err := p.store.CreateDevice(d); err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"device": d.Hostname, "mac": d.MACAddress}).
		Info("ztp: enrolled new device")
	return d, nil
}
