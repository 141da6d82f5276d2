package ztp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swim/internal/models"
	"swim/internal/repo"
	"swim/internal/session"
	"swim/internal/session/sessiontest"
)

type statusRunner struct {
	store  *repo.MemStore
	result string
}

func (r *statusRunner) RunJob(_ context.Context, jobID uint) error {
	return r.store.SetJobStatus(jobID, r.result)
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func seedPolicy(t *testing.T, store *repo.MemStore) *models.ZTPWorkflow {
	t.Helper()
	wf := &models.Workflow{Name: "ztp-upgrade", IsDefault: true, Steps: []models.WorkflowStep{
		{Name: "Readiness", StepType: models.StepReadiness},
	}}
	require.NoError(t, store.CreateWorkflow(wf))

	img := &models.Image{Filename: "golden.bin", Version: "17.9.4"}
	store.AddImage(img)
	store.AddGoldenImage(&models.GoldenImage{Platform: "iosxe", Site: "Global", ImageID: img.ID, Image: img})
	store.SetGlobalCredential(models.GlobalCredential{Username: "svc", Password: "pw"})

	z := &models.ZTPWorkflow{Name: "branch-rollout", WebhookToken: "tok123", WorkflowID: &wf.ID}
	store.AddZTPWorkflow(z)
	return z
}

func report() DeviceReport {
	// the webhook carries only where to reach the device; everything else
	// is read off the device
	return DeviceReport{IPAddress: "10.1.1.1", Platform: "iosxe"}
}

func showVersionOutput(version string) string {
	return fmt.Sprintf(`Cisco IOS XE Software, Version %s
branch-sw1 uptime is 2 weeks, 3 days, 1 hour

Base Ethernet MAC Address       : aa:bb:cc:dd:ee:ff
Model Number                    : C9300-24T
`, version)
}

// deviceDialer scripts the discovery session for 10.1.1.1.
func deviceDialer(version string) (*sessiontest.Dialer, *sessiontest.Session) {
	sess := sessiontest.New(
		sessiontest.Rule{Contains: "show version", Reply: showVersionOutput(version)},
	)
	d := sessiontest.NewDialer()
	d.Add("10.1.1.1", sess)
	return d, sess
}

func TestProvisionDiscoversEnrollsAndStartsJob(t *testing.T) {
	store := repo.NewMemStore()
	policy := seedPolicy(t, store)
	dialer, sess := deviceDialer("16.12.4")
	p := New(store, &statusRunner{store: store, result: models.JobSuccess}, dialer, quietLog())

	out, err := p.Provision(context.Background(), "tok123", report())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, out.Result)
	require.NotZero(t, out.JobID)
	p.Wait()

	// identity came from the device, not the payload
	assert.True(t, sess.Executed("show version"))
	require.NotEmpty(t, dialer.Dialed)
	assert.Equal(t, "svc", dialer.Dialed[0].Creds.Username, "global credentials back the discovery session")

	d, err := store.FindByMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "branch-sw1", d.Hostname)
	assert.Equal(t, "16.12.4", d.Version)
	assert.Equal(t, "ztp", d.BootMethod)

	job, err := store.GetJob(out.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, job.Status)
	require.NotNil(t, job.WorkflowID)

	got, _ := store.PolicyByToken("tok123")
	assert.EqualValues(t, 1, got.Completed)
	assert.Equal(t, got.Total, got.Completed+got.Failed+got.Skipped)
	_ = policy
}

func TestProvisionMatchesExistingDeviceByMAC(t *testing.T) {
	store := repo.NewMemStore()
	seedPolicy(t, store)
	existing := &models.Device{Hostname: "old-name", MACAddress: "AA:BB:CC:DD:EE:FF", Platform: "iosxe"}
	require.NoError(t, store.CreateDevice(existing))

	dialer, _ := deviceDialer("16.12.4")
	p := New(store, &statusRunner{store: store, result: models.JobSuccess}, dialer, quietLog())
	out, err := p.Provision(context.Background(), "tok123", report())
	require.NoError(t, err)
	p.Wait()

	job, err := store.GetJob(out.JobID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, job.DeviceID, "must reuse the record matched by MAC")

	// facts learned during discovery land on the matched record
	d, err := store.GetDevice(existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "16.12.4", d.Version)
}

func TestProvisionComplianceSkip(t *testing.T) {
	store := repo.NewMemStore()
	seedPolicy(t, store)
	dialer, _ := deviceDialer("17.9.4") // already on the golden version
	p := New(store, &statusRunner{store: store, result: models.JobSuccess}, dialer, quietLog())

	out, err := p.Provision(context.Background(), "tok123", report())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompliant, out.Result)
	assert.Zero(t, out.JobID)

	got, _ := store.PolicyByToken("tok123")
	assert.EqualValues(t, 1, got.Skipped)
	assert.Equal(t, got.Total, got.Completed+got.Failed+got.Skipped)
}

func TestProvisionFilterMismatch(t *testing.T) {
	store := repo.NewMemStore()
	seedPolicy(t, store)
	policy, _ := store.PolicyByToken("tok123")
	policy.PlatformFilter = "nxos"
	store.AddZTPWorkflow(policy) // overwrite with the filter set

	dialer, _ := deviceDialer("16.12.4")
	p := New(store, &statusRunner{store: store, result: models.JobSuccess}, dialer, quietLog())
	out, err := p.Provision(context.Background(), "tok123", report())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFiltered, out.Result)
	assert.Contains(t, out.Reason, "platform")

	// filtered devices are not enrolled
	_, err = store.FindByMAC("AA:BB:CC:DD:EE:FF")
	require.Error(t, err)
}

func TestProvisionDiscoveryFailureCountsFailed(t *testing.T) {
	store := repo.NewMemStore()
	seedPolicy(t, store)
	sess := sessiontest.New()
	sess.ConnectErr = session.ErrUnreachable
	dialer := sessiontest.NewDialer()
	dialer.Add("10.1.1.1", sess)

	p := New(store, &statusRunner{store: store, result: models.JobSuccess}, dialer, quietLog())
	_, err := p.Provision(context.Background(), "tok123", report())
	require.ErrorIs(t, err, session.ErrUnreachable)

	got, _ := store.PolicyByToken("tok123")
	assert.EqualValues(t, 1, got.Failed)
	assert.Equal(t, got.Total, got.Completed+got.Failed+got.Skipped)
}

func TestProvisionRequiresAddress(t *testing.T) {
	store := repo.NewMemStore()
	seedPolicy(t, store)
	p := New(store, &statusRunner{store: store}, sessiontest.NewDialer(), quietLog())
	_, err := p.Provision(context.Background(), "tok123", DeviceReport{Platform: "iosxe"})
	require.Error(t, err)
}

func TestProvisionFailedJobCountsAsFailed(t *testing.T) {
	store := repo.NewMemStore()
	seedPolicy(t, store)
	dialer, _ := deviceDialer("16.12.4")
	p := New(store, &statusRunner{store: store, result: models.JobFailed}, dialer, quietLog())

	_, err := p.Provision(context.Background(), "tok123", report())
	require.NoError(t, err)
	p.Wait()

	got, _ := store.PolicyByToken("tok123")
	assert.EqualValues(t, 1, got.Failed)
	assert.EqualValues(t, 0, got.Completed)
	assert.Equal(t, got.Total, got.Completed+got.Failed+got.Skipped)
}

func TestProvisionUnknownToken(t *testing.T) {
	store := repo.NewMemStore()
	p := New(store, &statusRunner{store: store}, sessiontest.NewDialer(), quietLog())
	_, err := p.Provision(context.Background(), "nope", report())
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestWebhookHTTP(t *testing.T) {
	store := repo.NewMemStore()
	seedPolicy(t, store)
	dialer, _ := deviceDialer("16.12.4")
	p := New(store, &statusRunner{store: store, result: models.JobSuccess}, dialer, quietLog())

	r := mux.NewRouter()
	p.RegisterRoutes(r)

	body, _ := json.Marshal(report())
	req := httptest.NewRequest(http.MethodPost, "/api/ztp/webhook/tok123", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var out Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, OutcomeStarted, out.Result)
	p.Wait()

	req = httptest.NewRequest(http.MethodPost, "/api/ztp/webhook/bad-token", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
