package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davarch/stage-watcher/internal/domain"
	"go.uber.org/zap"
)

func job(id int64, stage string, st domain.Status, pipeline int64) domain.Job {
	return domain.Job{ID: id, Stage: stage, Status: st, Name: stage + "-job", PipelineID: pipeline, ProjectID: 42}
}

func newTestReconciler(gl *domain.MockGitLab) (*Reconciler, *domain.MockSink) {
	sink := &domain.MockSink{}
	return NewReconciler(zap.NewNop(), "repo", gl, sink), sink
}

func stageNames(stages []domain.StageView) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.Name)
	}
	return out
}

func TestGroupStages_FirstOccurrenceOrder(t *testing.T) {
	p := domain.Pipeline{ID: 100, ProjectID: 42}
	stages := GroupStages(p, []domain.Job{
		job(1, "build", domain.StatusSuccess, 100),
		job(2, "test", domain.StatusRunning, 100),
		job(3, "build", domain.StatusSuccess, 100),
		job(4, "deploy", domain.StatusCreated, 100),
	})

	got := stageNames(stages)
	want := []string{"build", "test", "deploy"}
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}

	build := stages[0]
	if len(build.Jobs) != 2 || build.Jobs[0].ID != 1 || build.Jobs[1].ID != 3 {
		t.Errorf("build jobs = %+v, want ids [1 3]", build.Jobs)
	}
	if build.Aggregate != domain.StatusSuccess {
		t.Errorf("build aggregate = %q", build.Aggregate)
	}
	if stages[1].Aggregate != domain.StatusRunning {
		t.Errorf("test aggregate = %q", stages[1].Aggregate)
	}
}

func TestGroupStages_AttributesAndDropsForeignJobs(t *testing.T) {
	p := domain.Pipeline{ID: 100, ProjectID: 42}
	stages := GroupStages(p, []domain.Job{
		{ID: 1, Stage: "build", Status: domain.StatusSuccess},
		job(2, "build", domain.StatusSuccess, 99),
	})
	if len(stages) != 1 || len(stages[0].Jobs) != 1 {
		t.Fatalf("unexpected stages %+v", stages)
	}
	j := stages[0].Jobs[0]
	if j.PipelineID != 100 || j.ProjectID != 42 {
		t.Errorf("job not attributed to pipeline: %+v", j)
	}
}

func TestObservePipeline_NewIDRebuildsAndSameIDUpdates(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{
		job(1, "build", domain.StatusRunning, 100),
		job(2, "test", domain.StatusCreated, 100),
	}
	rec, sink := newTestReconciler(gl)
	ctx := context.Background()

	if err := rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, ProjectID: 42, Ref: "main", Status: domain.StatusRunning}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gl.JobsOfCalls != 1 {
		t.Fatalf("expected 1 jobs fetch, got %d", gl.JobsOfCalls)
	}

	if err := rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, ProjectID: 42, Ref: "main", Status: domain.StatusSuccess}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gl.JobsOfCalls != 1 {
		t.Errorf("same pipeline id must not refetch jobs, got %d fetches", gl.JobsOfCalls)
	}

	snap := rec.Snapshot()
	if snap.Pipeline == nil || snap.Pipeline.Status != domain.StatusSuccess {
		t.Fatalf("pipeline not updated in place: %+v", snap.Pipeline)
	}
	if !snap.Terminal {
		t.Error("success must mark the pipeline terminal")
	}
	if snap.Stages[0].Aggregate != domain.StatusRunning {
		t.Errorf("stages must be left to job updates, got %q", snap.Stages[0].Aggregate)
	}

	kinds := sink.Kinds()
	if len(kinds) != 2 || kinds[0] != domain.EventPipelineReset || kinds[1] != domain.EventPipelineUpdated {
		t.Errorf("events = %v", kinds)
	}
}

func TestObservePipeline_SameStatusPublishesNothing(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100)}
	rec, sink := newTestReconciler(gl)
	ctx := context.Background()

	p := domain.Pipeline{ID: 100, Status: domain.StatusRunning}
	_ = rec.ObservePipeline(ctx, p)
	_ = rec.ObservePipeline(ctx, p)

	if n := len(sink.Kinds()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestObservePipeline_ReplacementDiscardsPreviousStages(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100), job(2, "lint", domain.StatusRunning, 100)}
	gl.Jobs[101] = []domain.Job{job(10, "build", domain.StatusCreated, 101)}
	gl.Jobs[102] = []domain.Job{job(20, "deploy", domain.StatusPending, 102)}
	rec, _ := newTestReconciler(gl)
	ctx := context.Background()

	for _, id := range []int64{100, 101, 102} {
		if err := rec.ObservePipeline(ctx, domain.Pipeline{ID: id, Status: domain.StatusRunning}); err != nil {
			t.Fatalf("pipeline %d: %v", id, err)
		}
		for _, j := range rec.TrackedJobs() {
			if j.PipelineID != id {
				t.Fatalf("job %d of pipeline %d survived reset to %d", j.ID, j.PipelineID, id)
			}
		}
	}

	if got := stageNames(rec.Snapshot().Stages); len(got) != 1 || got[0] != "deploy" {
		t.Errorf("stages = %v", got)
	}
}

func TestObservePipeline_JobsErrorKeepsState(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100)}
	rec, _ := newTestReconciler(gl)
	ctx := context.Background()

	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})

	gl.JobsErr = domain.ErrMalformedResponse
	err := rec.ObservePipeline(ctx, domain.Pipeline{ID: 101, Status: domain.StatusRunning})
	if !errors.Is(err, domain.ErrMalformedResponse) {
		t.Fatalf("expected malformed error, got %v", err)
	}

	p, ok := rec.Pipeline()
	if !ok || p.ID != 100 {
		t.Errorf("tracked pipeline changed to %+v", p)
	}
}

func TestObserveJob_ForeignPipelineIsNoop(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100)}
	rec, sink := newTestReconciler(gl)
	ctx := context.Background()
	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})

	before := rec.Snapshot()
	events := len(sink.Kinds())

	if rec.ObserveJob(ctx, job(1, "build", domain.StatusFailed, 99)) {
		t.Error("job of another pipeline accepted")
	}
	if rec.ObserveJob(ctx, job(7, "build", domain.StatusFailed, 100)) {
		t.Error("untracked job id accepted")
	}

	after := rec.Snapshot()
	if after.Stages[0].Jobs[0].Status != before.Stages[0].Jobs[0].Status ||
		after.Stages[0].Aggregate != before.Stages[0].Aggregate {
		t.Error("state changed by ignored job")
	}
	if len(sink.Kinds()) != events {
		t.Error("ignored job published an event")
	}
}

func TestObserveJob_RecomputesAggregate(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{
		job(1, "test", domain.StatusRunning, 100),
		job(2, "test", domain.StatusSuccess, 100),
	}
	rec, sink := newTestReconciler(gl)
	ctx := context.Background()
	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})

	steps := []struct {
		job  domain.Job
		want domain.Status
	}{
		{job(1, "test", domain.StatusSuccess, 100), domain.StatusSuccess},
		{job(2, "test", domain.StatusFailed, 100), domain.StatusFailed},
		{job(2, "test", domain.StatusCanceled, 100), domain.StatusFailed},
		{job(1, "test", domain.StatusPending, 100), domain.StatusPending},
	}

	for i, s := range steps {
		if !rec.ObserveJob(ctx, s.job) {
			t.Fatalf("step %d: job rejected", i)
		}
		if got := rec.Snapshot().Stages[0].Aggregate; got != s.want {
			t.Fatalf("step %d: aggregate = %q, want %q", i, got, s.want)
		}
	}

	if n := sink.Count(domain.EventStageUpdated); n != len(steps) {
		t.Errorf("expected %d stage events, got %d", len(steps), n)
	}
}

func TestObserveJob_MixedStageKeepsPreviousAggregate(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{
		job(1, "test", domain.StatusSuccess, 100),
		job(2, "test", domain.StatusSuccess, 100),
	}
	rec, _ := newTestReconciler(gl)
	ctx := context.Background()
	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})

	rec.ObserveJob(ctx, job(2, "test", domain.StatusCanceled, 100))
	if got := rec.Snapshot().Stages[0].Aggregate; got != domain.StatusSuccess {
		t.Errorf("aggregate = %q, want previous %q", got, domain.StatusSuccess)
	}
}

func TestDisconnect_ClearsEverything(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100)}
	rec, sink := newTestReconciler(gl)
	ctx := context.Background()

	_ = rec.SetProject(domain.Project{ID: 42, Name: "repo"})
	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusSuccess})

	rec.Disconnect(ctx)

	snap := rec.Snapshot()
	if snap.Project != nil || snap.Pipeline != nil || len(snap.Stages) != 0 || snap.Terminal || snap.Connected {
		t.Fatalf("state not cleared: %+v", snap)
	}
	if _, ok := rec.Project(); ok {
		t.Error("project still set")
	}
	if sink.Count(domain.EventDisconnected) != 1 {
		t.Errorf("expected one disconnected event, got %v", sink.Kinds())
	}

	rec.Disconnect(ctx)
	if sink.Count(domain.EventDisconnected) != 1 {
		t.Error("repeated disconnect published again")
	}
}

func TestObserveNoPipeline_DropsTrackedPipeline(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100)}
	rec, sink := newTestReconciler(gl)
	ctx := context.Background()

	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Ref: "main", Status: domain.StatusRunning})
	if err := rec.ObserveNoPipeline(ctx, "feature"); err != nil {
		t.Fatal(err)
	}

	snap := rec.Snapshot()
	if snap.Pipeline != nil || len(snap.Stages) != 0 || snap.Ref != "feature" {
		t.Fatalf("unexpected state %+v", snap)
	}
	if sink.Count(domain.EventPipelineCleared) != 1 {
		t.Errorf("events = %v", sink.Kinds())
	}
}

func TestDispose_BlocksMutations(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100)}
	rec, sink := newTestReconciler(gl)
	ctx := context.Background()

	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})
	rec.Dispose()

	if err := rec.ObservePipeline(ctx, domain.Pipeline{ID: 101, Status: domain.StatusRunning}); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
	if rec.ObserveJob(ctx, job(1, "build", domain.StatusFailed, 100)) {
		t.Error("job accepted after dispose")
	}
	rec.Disconnect(ctx)

	if p, _ := rec.Pipeline(); p.ID != 100 {
		t.Errorf("pipeline changed after dispose: %+v", p)
	}
	if len(sink.Kinds()) != 1 {
		t.Errorf("events after dispose: %v", sink.Kinds())
	}
}

func TestObserveJob_ConcurrentUpdates(t *testing.T) {
	gl := domain.NewMockGitLab()
	var jobs []domain.Job
	for i := int64(1); i <= 50; i++ {
		jobs = append(jobs, job(i, "test", domain.StatusRunning, 100))
	}
	gl.Jobs[100] = jobs
	rec, _ := newTestReconciler(gl)
	ctx := context.Background()
	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.ObserveJob(ctx, job(i, "test", domain.StatusSuccess, 100))
			_ = rec.Snapshot()
		}()
	}
	wg.Wait()

	if got := rec.Snapshot().Stages[0].Aggregate; got != domain.StatusSuccess {
		t.Errorf("aggregate = %q, want success", got)
	}
}

func TestScenario_RunningToSuccess(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{
		job(1, "build", domain.StatusRunning, 100),
		job(2, "test", domain.StatusCreated, 100),
		job(3, "test", domain.StatusCreated, 100),
	}
	rec, _ := newTestReconciler(gl)
	ctx := context.Background()

	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})
	if got := stageNames(rec.Snapshot().Stages); len(got) != 2 {
		t.Fatalf("stages = %v", got)
	}

	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusSuccess})
	if got := rec.Snapshot().Stages[1].Aggregate; got != domain.StatusCreated {
		t.Fatalf("stages must wait for job refinement, got %q", got)
	}

	for _, j := range rec.TrackedJobs() {
		j.Status = domain.StatusSuccess
		rec.ObserveJob(ctx, j)
	}
	for _, s := range rec.Snapshot().Stages {
		if s.Aggregate != domain.StatusSuccess {
			t.Errorf("stage %s = %q, want success", s.Name, s.Aggregate)
		}
	}
}

func TestScenario_ReplacementRejectsStaleJobs(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{job(1, "build", domain.StatusRunning, 100)}
	gl.Jobs[101] = []domain.Job{job(5, "build", domain.StatusPending, 101)}
	rec, _ := newTestReconciler(gl)
	ctx := context.Background()

	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning})
	_ = rec.ObservePipeline(ctx, domain.Pipeline{ID: 101, Status: domain.StatusRunning})

	if rec.ObserveJob(ctx, job(1, "build", domain.StatusFailed, 100)) {
		t.Fatal("stale job from pipeline 100 accepted")
	}
	snap := rec.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Jobs[0].ID != 5 || snap.Stages[0].Aggregate != domain.StatusPending {
		t.Errorf("unexpected state %+v", snap.Stages)
	}
}

// slowSink blocks on the first stage update until released.
type slowSink struct {
	events  *domain.MockSink
	blocked atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *slowSink) Handle(ctx context.Context, ev domain.Event) error {
	if ev.Kind == domain.EventStageUpdated && s.blocked.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	return s.events.Handle(ctx, ev)
}

func TestPublish_SlowSinkDoesNotBlockReaders(t *testing.T) {
	gl := domain.NewMockGitLab()
	gl.Jobs[100] = []domain.Job{
		job(1, "build", domain.StatusRunning, 100),
		job(2, "test", domain.StatusRunning, 100),
	}
	sink := &slowSink{events: &domain.MockSink{}, entered: make(chan struct{}), release: make(chan struct{})}
	rec := NewReconciler(zap.NewNop(), "repo", gl, sink)
	ctx := context.Background()
	if err := rec.ObservePipeline(ctx, domain.Pipeline{ID: 100, Status: domain.StatusRunning}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.ObserveJob(ctx, job(1, "build", domain.StatusSuccess, 100))
	}()
	<-sink.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.ObserveJob(ctx, job(2, "test", domain.StatusSuccess, 100))
	}()

	seen := make(chan struct{})
	go func() {
		for rec.Snapshot().Stages[1].Aggregate != domain.StatusSuccess {
			time.Sleep(5 * time.Millisecond)
		}
		close(seen)
	}()

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		close(sink.release)
		t.Fatal("snapshot blocked behind a slow sink")
	}
	close(sink.release)
	wg.Wait()

	evs := sink.events.Events
	if len(evs) != 3 || evs[1].Stage.Name != "build" || evs[2].Stage.Name != "test" {
		t.Fatalf("events out of order: %v", sink.events.Kinds())
	}
	if evs[2].Snapshot.Stages[0].Aggregate != domain.StatusSuccess {
		t.Error("later event must carry the earlier mutation")
	}
}
