package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swim/internal/models"
	"swim/internal/repo"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []uint
}

func (r *recordingRunner) RunJob(_ context.Context, jobID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, jobID)
	return nil
}

func (r *recordingRunner) ran() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.runs...)
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func scheduledJob(t *testing.T, store *repo.MemStore, at time.Time) uint {
	t.Helper()
	j := &models.Job{Status: models.JobScheduled, DistributionTime: &at}
	require.NoError(t, store.CreateJob(j))
	return j.ID
}

func TestTickPromotesAndExpires(t *testing.T) {
	store := repo.NewMemStore()
	runner := &recordingRunner{}
	s := New(store, runner, Config{TickInterval: 30 * time.Second, GracePeriod: 5 * time.Minute}, quietLog())

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(7 * time.Minute) } // it is 10:07

	inWindow := scheduledJob(t, store, base.Add(3*time.Minute))  // due 10:03, 4m overdue
	missed := scheduledJob(t, store, base)                       // due 10:00, 7m overdue
	future := scheduledJob(t, store, base.Add(30*time.Minute))   // not due yet
	notScheduled := &models.Job{Status: models.JobPending}
	require.NoError(t, store.CreateJob(notScheduled))

	s.started.Store(true)
	s.tick(context.Background())
	s.wg.Wait()

	st, _ := store.JobStatus(inWindow)
	assert.Equal(t, models.JobPending, st)
	assert.Equal(t, []uint{inWindow}, runner.ran())

	st, _ = store.JobStatus(missed)
	assert.Equal(t, models.JobCancelled, st)
	missedJob, err := store.GetJob(missed)
	require.NoError(t, err)
	assert.Contains(t, missedJob.Log, "auto-cancelled")
	assert.Contains(t, missedJob.Log, "grace period")

	st, _ = store.JobStatus(future)
	assert.Equal(t, models.JobScheduled, st)

	status, _ := s.Health()
	assert.EqualValues(t, 1, status.Promoted)
	assert.EqualValues(t, 1, status.Cancelled)
}

func TestTickBoundedBatch(t *testing.T) {
	store := repo.NewMemStore()
	runner := &recordingRunner{}
	s := New(store, runner, Config{BatchSize: 2, GracePeriod: time.Hour}, quietLog())

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		scheduledJob(t, store, base)
	}

	s.started.Store(true)
	s.tick(context.Background())
	s.wg.Wait()

	assert.Len(t, runner.ran(), 2, "one tick must not exceed the batch size")
}

func TestPromoteLosesRaceGracefully(t *testing.T) {
	store := repo.NewMemStore()
	runner := &recordingRunner{}
	s := New(store, runner, Config{GracePeriod: time.Hour}, quietLog())

	at := time.Now().Add(-time.Second)
	id := scheduledJob(t, store, at)
	// someone else already took the job
	require.NoError(t, store.SetJobStatus(id, models.JobRunning))

	s.tick(context.Background())
	s.wg.Wait()
	assert.Empty(t, runner.ran())
}

func TestStartIsIdempotent(t *testing.T) {
	store := repo.NewMemStore()
	runner := &recordingRunner{}
	s := New(store, runner, Config{TickInterval: time.Hour}, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx) // no second loop, no panic

	_, healthy := s.Health()
	assert.Eventually(t, func() bool {
		st, _ := s.Health()
		return st.LastTick != nil
	}, 2*time.Second, 10*time.Millisecond)
	_ = healthy

	s.Stop()
	st, healthy := s.Health()
	assert.True(t, st.Running) // started flag stays, loop is done
	_ = healthy
}

func TestHealthStaleness(t *testing.T) {
	store := repo.NewMemStore()
	s := New(store, &recordingRunner{}, Config{TickInterval: 30 * time.Second}, quietLog())

	// never ticked
	_, healthy := s.Health()
	assert.False(t, healthy)

	s.started.Store(true)
	s.tick(context.Background())
	_, healthy = s.Health()
	assert.True(t, healthy)

	// clock jumps past three intervals: stale
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, healthy = s.Health()
	assert.False(t, healthy)
}
