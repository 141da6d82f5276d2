package repo

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"swim/internal/models"
	"swim/internal/session"
)

// MemStore — in-memory хранилище на случай работы без БД (driver "").
// Implements the same method set as the gorm-backed stores, so consumers
// that accept interfaces can take either. Also doubles as the test fixture.
type MemStore struct {
	mu sync.RWMutex

	nextID uint

	devices     map[uint]*models.Device
	jobs        map[uint]*models.Job
	workflows   map[uint]*models.Workflow
	images      map[uint]*models.Image
	fileServers map[uint]*models.FileServer
	sites       map[uint]*models.Site
	regions     map[uint]*models.Region
	checks      map[uint]*models.ValidationCheck
	checkRuns   map[uint]*models.CheckRun
	golden      map[uint]*models.GoldenImage
	ztp         map[uint]*models.ZTPWorkflow

	globalCreds *models.GlobalCredential
}

func NewMemStore() *MemStore {
	return &MemStore{
		devices:     map[uint]*models.Device{},
		jobs:        map[uint]*models.Job{},
		workflows:   map[uint]*models.Workflow{},
		images:      map[uint]*models.Image{},
		fileServers: map[uint]*models.FileServer{},
		sites:       map[uint]*models.Site{},
		regions:     map[uint]*models.Region{},
		checks:      map[uint]*models.ValidationCheck{},
		checkRuns:   map[uint]*models.CheckRun{},
		golden:      map[uint]*models.GoldenImage{},
		ztp:         map[uint]*models.ZTPWorkflow{},
	}
}

func (s *MemStore) id() uint {
	s.nextID++
	return s.nextID
}

// ---- devices ----

func (s *MemStore) CreateDevice(d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.id()
	}
	if d.MACAddress != "" {
		d.MACAddress = strings.ToUpper(d.MACAddress)
	}
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *MemStore) SaveDevice(d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = s.id()
	}
	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *MemStore) GetDevice(id uint) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *d
	if d.ModelID != nil {
		if hw, ok := s.devicesModel(*d.ModelID); ok {
			cp.Hw = hw
		}
	}
	if d.SiteID != nil {
		if site, ok := s.sites[*d.SiteID]; ok {
			sc := *site
			if site.RegionID != nil {
				if r, ok := s.regions[*site.RegionID]; ok {
					rc := *r
					sc.Region = &rc
				}
			}
			cp.Site = &sc
		}
	}
	return &cp, nil
}

func (s *MemStore) devicesModel(id uint) (*models.DeviceModel, bool) {
	// caller holds the lock; DeviceModels are stored inline on devices in
	// tests, so keep a lazy map keyed off images when needed.
	for _, d := range s.devices {
		if d.Hw != nil && d.Hw.ID == id {
			cp := *d.Hw
			return &cp, true
		}
	}
	return nil, false
}

func (s *MemStore) FindByHostname(hostname string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Hostname == hostname {
			cp := *d
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *MemStore) FindByMAC(mac string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mac = strings.ToUpper(mac)
	for _, d := range s.devices {
		if d.MACAddress == mac {
			cp := *d
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *MemStore) SetGlobalCredential(g models.GlobalCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalCreds = &g
}

func (s *MemStore) CredentialsFor(d *models.Device) session.Credentials {
	if d.Username != "" {
		return session.Credentials{Username: d.Username, Password: d.Password, Secret: d.Secret}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.globalCreds == nil {
		return session.Credentials{}
	}
	return session.Credentials{
		Username: s.globalCreds.Username,
		Password: s.globalCreds.Password,
		Secret:   s.globalCreds.Secret,
	}
}

func (s *MemStore) UpdateFacts(id uint, version, reachability, syncStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	if version != "" {
		d.Version = version
	}
	if reachability != "" {
		d.Reachability = reachability
	}
	d.LastSyncStatus = syncStatus
	d.LastSyncTime = &now
	return nil
}

// ---- jobs ----

func (s *MemStore) CreateJob(j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == 0 {
		j.ID = s.id()
	}
	if j.Status == "" {
		j.Status = models.JobPending
	}
	cp := cloneJob(j)
	s.jobs[j.ID] = cp
	return nil
}

func (s *MemStore) SaveJob(j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == 0 {
		j.ID = s.id()
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *MemStore) GetJob(id uint) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := cloneJob(j)
	if d, ok := s.devices[j.DeviceID]; ok {
		dc := *d
		cp.Device = &dc
	}
	if j.ImageID != nil {
		if im, ok := s.images[*j.ImageID]; ok {
			ic := *im
			if im.FileServerID != nil {
				if fs, ok := s.fileServers[*im.FileServerID]; ok {
					fc := *fs
					ic.FileServer = &fc
				}
			}
			cp.Image = &ic
		}
	}
	if j.FileServerID != nil {
		if fs, ok := s.fileServers[*j.FileServerID]; ok {
			fc := *fs
			cp.FileServer = &fc
		}
	}
	if j.WorkflowID != nil {
		if w, ok := s.workflows[*j.WorkflowID]; ok {
			cp.Workflow = cloneWorkflow(w)
		}
	}
	return cp, nil
}

func (s *MemStore) JobStatus(id uint) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	return j.Status, nil
}

func (s *MemStore) SetJobStatus(id uint, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	j.Status = status
	return nil
}

func (s *MemStore) TransitionStatus(id uint, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}

func (s *MemStore) AppendJobLog(id uint, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	j.Log += line
	return nil
}

func (s *MemStore) SetJobSteps(id uint, steps models.StepList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	j.Steps = append(models.StepList(nil), steps...)
	return nil
}

func (s *MemStore) UpsertJobStep(id uint, idx int, rec models.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if idx >= 0 && idx < len(j.Steps) {
		j.Steps[idx].Status = rec.Status
		j.Steps[idx].Timestamp = rec.Timestamp
		if rec.StepType != "" {
			j.Steps[idx].StepType = rec.StepType
		}
		return nil
	}
	j.Steps = append(j.Steps, rec)
	return nil
}

func (s *MemStore) ScheduleJob(id uint, at time.Time, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t := at
	j.DistributionTime = &t
	j.Status = status
	return nil
}

func (s *MemStore) DueScheduledJobs(now time.Time, limit int) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobScheduled && j.DistributionTime != nil &&
			!j.DistributionTime.After(now) {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].DistributionTime.Before(*out[k].DistributionTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) JobsByBatch(batchID string) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.BatchID == batchID {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *MemStore) ListJobs(status string, limit, offset int) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CountJobs(statuses ...string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(statuses))
	for _, st := range statuses {
		out[st] = 0
	}
	for _, j := range s.jobs {
		if _, ok := out[j.Status]; ok {
			out[j.Status]++
		}
	}
	return out, nil
}

// ---- workflows ----

func (s *MemStore) CreateWorkflow(w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == 0 {
		w.ID = s.id()
	}
	for i := range w.Steps {
		if w.Steps[i].ID == 0 {
			w.Steps[i].ID = s.id()
		}
		w.Steps[i].WorkflowID = w.ID
	}
	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (s *MemStore) SaveWorkflow(w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == 0 {
		w.ID = s.id()
	}
	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (s *MemStore) GetWorkflow(id uint) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneWorkflow(w), nil
}

func (s *MemStore) DefaultWorkflow() (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *models.Workflow
	for _, w := range s.workflows {
		if w.IsDefault {
			return cloneWorkflow(w), nil
		}
		if oldest == nil || w.ID < oldest.ID {
			oldest = w
		}
	}
	if oldest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneWorkflow(oldest), nil
}

func (s *MemStore) ListWorkflows() ([]models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Workflow
	for _, w := range s.workflows {
		out = append(out, *cloneWorkflow(w))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *MemStore) SetDefault(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.workflows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for _, w := range s.workflows {
		w.IsDefault = false
	}
	target.IsDefault = true
	return nil
}

func (s *MemStore) DeleteWorkflow(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if len(s.workflows) <= 1 {
		return ErrLastWorkflow
	}
	delete(s.workflows, id)
	if w.IsDefault {
		var oldest *models.Workflow
		for _, o := range s.workflows {
			if oldest == nil || o.ID < oldest.ID {
				oldest = o
			}
		}
		if oldest != nil {
			oldest.IsDefault = true
		}
	}
	return nil
}

// ---- images / file servers ----

func (s *MemStore) AddImage(im *models.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if im.ID == 0 {
		im.ID = s.id()
	}
	cp := *im
	s.images[im.ID] = &cp
}

func (s *MemStore) AddFileServer(fs *models.FileServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fs.ID == 0 {
		fs.ID = s.id()
	}
	cp := *fs
	s.fileServers[fs.ID] = &cp
}

func (s *MemStore) AddSite(site *models.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site.ID == 0 {
		site.ID = s.id()
	}
	cp := *site
	s.sites[site.ID] = &cp
}

func (s *MemStore) AddRegion(r *models.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	cp := *r
	s.regions[r.ID] = &cp
}

func (s *MemStore) GetImage(id uint) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	im, ok := s.images[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *im
	if im.FileServerID != nil {
		if fs, ok := s.fileServers[*im.FileServerID]; ok {
			fc := *fs
			cp.FileServer = &fc
		}
	}
	return &cp, nil
}

func (s *MemStore) FileServerFor(d *models.Device) (*models.FileServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pick := func(id *uint) (*models.FileServer, bool) {
		if id == nil {
			return nil, false
		}
		fs, ok := s.fileServers[*id]
		if !ok {
			return nil, false
		}
		cp := *fs
		return &cp, true
	}
	if fs, ok := pick(d.PreferredFileServerID); ok {
		return fs, nil
	}
	if d.SiteID != nil {
		if site, ok := s.sites[*d.SiteID]; ok {
			if fs, ok := pick(site.PreferredFileServerID); ok {
				return fs, nil
			}
			if site.RegionID != nil {
				if r, ok := s.regions[*site.RegionID]; ok {
					if fs, ok := pick(r.PreferredFileServerID); ok {
						return fs, nil
					}
				}
			}
		}
	}
	var best *models.FileServer
	for _, fs := range s.fileServers {
		if fs.IsGlobalDefault && (best == nil || fs.ID < best.ID) {
			best = fs
		}
	}
	if best == nil {
		return nil, ErrNoFileServer
	}
	cp := *best
	return &cp, nil
}

func (s *MemStore) GlobalDefaults(excludeID uint) ([]models.FileServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FileServer
	for _, fs := range s.fileServers {
		if fs.IsGlobalDefault && fs.ID != excludeID {
			out = append(out, *fs)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *MemStore) AddGoldenImage(g *models.GoldenImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		g.ID = s.id()
	}
	cp := *g
	s.golden[g.ID] = &cp
}

func (s *MemStore) GoldenImageFor(platform, site string) (*models.GoldenImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var global *models.GoldenImage
	for _, g := range s.golden {
		if g.Platform != platform {
			continue
		}
		if site != "" && g.Site == site {
			cp := *g
			if im, ok := s.images[g.ImageID]; ok {
				ic := *im
				cp.Image = &ic
			}
			return &cp, nil
		}
		if g.Site == "Global" {
			global = g
		}
	}
	if global == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *global
	if im, ok := s.images[global.ImageID]; ok {
		ic := *im
		cp.Image = &ic
	}
	return &cp, nil
}

// ---- checks ----

func (s *MemStore) AddCheck(c *models.ValidationCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	cp := *c
	s.checks[c.ID] = &cp
}

func (s *MemStore) ChecksForJob(j *models.Job, phase string) ([]models.ValidationCheck, error) {
	matches := func(c models.ValidationCheck) bool {
		return c.CheckType == "both" || c.CheckType == phase
	}
	if len(j.SelectedChecks) > 0 {
		var out []models.ValidationCheck
		for _, c := range j.SelectedChecks {
			if matches(c) {
				out = append(out, c)
			}
		}
		return out, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ValidationCheck
	for _, c := range s.checks {
		if c.IsDefault && matches(*c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *MemStore) CreateCheckRun(r *models.CheckRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	cp := *r
	s.checkRuns[r.ID] = &cp
	return nil
}

func (s *MemStore) FinishCheckRun(id uint, status, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.checkRuns[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.Status = status
	r.Output = output
	return nil
}

func (s *MemStore) RunsForJob(jobID uint, phase string) ([]models.CheckRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CheckRun
	for _, r := range s.checkRuns {
		if r.JobID != nil && *r.JobID == jobID && r.Phase == phase {
			cp := *r
			if c, ok := s.checks[r.ValidationCheckID]; ok {
				cc := *c
				cp.ValidationCheck = &cc
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// ---- ztp ----

func (s *MemStore) AddZTPWorkflow(z *models.ZTPWorkflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z.ID == 0 {
		z.ID = s.id()
	}
	cp := *z
	s.ztp[z.ID] = &cp
}

func (s *MemStore) PolicyByToken(token string) (*models.ZTPWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, z := range s.ztp {
		if z.WebhookToken == token {
			cp := *z
			if z.WorkflowID != nil {
				if w, ok := s.workflows[*z.WorkflowID]; ok {
					cp.Workflow = cloneWorkflow(w)
				}
			}
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *MemStore) BumpCounters(id uint, completed, failed, skipped int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.ztp[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	z.Completed += completed
	z.Failed += failed
	z.Skipped += skipped
	z.Total += completed + failed + skipped
	return nil
}

// ---- helpers ----

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.Steps = append(models.StepList(nil), j.Steps...)
	cp.SelectedChecks = append([]models.ValidationCheck(nil), j.SelectedChecks...)
	return &cp
}

func cloneWorkflow(w *models.Workflow) *models.Workflow {
	cp := *w
	cp.Steps = append([]models.WorkflowStep(nil), w.Steps...)
	sort.Slice(cp.Steps, func(i, k int) bool {
		if cp.Steps[i].StepOrder != cp.Steps[k].StepOrder {
			return cp.Steps[i].StepOrder < cp.Steps[k].StepOrder
		}
		return cp.Steps[i].ID < cp.Steps[k].ID
	})
	return &cp
}
