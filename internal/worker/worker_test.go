package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type countingProcessor struct {
	calls atomic.Int32
	batch atomic.Int32
	err   error
}

func (p *countingProcessor) ProcessPayouts(_ context.Context, batchSize int32) error {
	p.calls.Add(1)
	p.batch.Store(batchSize)
	return p.err
}

func TestPayoutWorkerProcessOnce(t *testing.T) {
	p := &countingProcessor{}
	w := NewPayoutWorker(p).WithBatchSize(25).WithBatchSize(0)

	require.NoError(t, w.ProcessOnce(context.Background()))
	require.Equal(t, int32(1), p.calls.Load())
	require.Equal(t, int32(25), p.batch.Load())

	p.err = errors.New("store down")
	require.ErrorIs(t, w.ProcessOnce(context.Background()), p.err)
}

func TestPayoutWorkerPollsUntilStopped(t *testing.T) {
	p := &countingProcessor{}
	w := NewPayoutWorker(p).WithPollInterval(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

type fakeAuditor struct {
	report service.IntegrityReport
	err    error
}

func (a fakeAuditor) Run(context.Context) (service.IntegrityReport, error) {
	return a.report, a.err
}

type fakeRelay struct {
	calls atomic.Int32
	limit atomic.Int32
}

func (r *fakeRelay) RelayPending(_ context.Context, limit int32) (int, error) {
	r.calls.Add(1)
	r.limit.Store(limit)
	return 1, nil
}

func TestIntegrityAuditJob(t *testing.T) {
	ctx := context.Background()

	job := IntegrityAuditJob(fakeAuditor{report: service.IntegrityReport{Unconserved: []uuid.UUID{uuid.New()}}}, time.Minute)
	require.Equal(t, "integrity_audit", job.Name)
	require.NoError(t, job.Run(ctx))

	want := errors.New("scan failed")
	job = IntegrityAuditJob(fakeAuditor{err: want}, time.Minute)
	require.ErrorIs(t, job.Run(ctx), want)
}

func TestSchedulerRunsJobs(t *testing.T) {
	relay := &fakeRelay{}
	s, err := NewScheduler(EventRelayJob(relay, 10*time.Millisecond, 50))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return relay.calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	require.Equal(t, int32(50), relay.limit.Load())
}

func TestRunJobSkipsCanceledContext(t *testing.T) {
	var ran bool
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runJob(ctx, Job{Name: "noop", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	require.False(t, ran)
}
