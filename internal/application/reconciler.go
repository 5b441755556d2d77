package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davarch/stage-watcher/internal/domain"
	"go.uber.org/zap"
)

var ErrDisposed = errors.New("reconciler disposed")

// Reconciler owns the tracked state of one repository: its project, the
// latest pipeline for the active ref and that pipeline's stages.
//
// Pipeline transitions are serialized by pipeMu. All state lives behind mu;
// readers only ever get deep copies. Each mutation draws a ticket while
// holding mu and events are handed to the sink in ticket order, so a slow
// sink delays later publishers but never readers. Sinks must not call back
// into the Reconciler; every event carries a snapshot instead.
type Reconciler struct {
	name string
	jobs domain.JobLister
	sink domain.StatusSink
	log  *zap.Logger

	pipeMu sync.Mutex

	// ticket order for publishing; next is guarded by mu, served by pubMu
	pubMu   sync.Mutex
	pubTurn *sync.Cond
	next    uint64
	served  uint64

	mu        sync.RWMutex
	disposed  bool
	connected bool
	ref       string
	project   *domain.Project
	pipeline  *domain.Pipeline
	stages    []domain.StageView
	terminal  bool
}

func NewReconciler(l *zap.Logger, name string, jobs domain.JobLister, sink domain.StatusSink) *Reconciler {
	if sink == nil {
		sink = Sinks(nil)
	}
	r := &Reconciler{
		name: name,
		jobs: jobs,
		sink: sink,
		log:  l.With(zap.String("repository", name)),
	}
	r.pubTurn = sync.NewCond(&r.pubMu)
	return r
}

// SetJobLister swaps the source used for full rebuilds, e.g. after the
// credentials changed.
func (r *Reconciler) SetJobLister(jobs domain.JobLister) {
	r.pipeMu.Lock()
	defer r.pipeMu.Unlock()
	r.jobs = jobs
}

func (r *Reconciler) SetProject(p domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.connected = true
	r.project = &p
	return nil
}

func (r *Reconciler) Project() (domain.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.project == nil {
		return domain.Project{}, false
	}
	return *r.project, true
}

// ObservePipeline feeds the latest pipeline fetched for the active ref.
// A pipeline with a new id replaces everything tracked so far and rebuilds
// the stages from a fresh job list; the same id only updates the pipeline
// status. When the job list cannot be fetched nothing changes.
func (r *Reconciler) ObservePipeline(ctx context.Context, candidate domain.Pipeline) error {
	r.pipeMu.Lock()
	defer r.pipeMu.Unlock()

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}

	if r.pipeline != nil && r.pipeline.ID == candidate.ID {
		prev := *r.pipeline
		r.pipeline.Status = candidate.Status
		if candidate.WebURL != "" {
			r.pipeline.WebURL = candidate.WebURL
		}
		r.ref = candidate.Ref
		r.terminal = candidate.Status.Terminal()
		if prev.Status == candidate.Status {
			r.mu.Unlock()
			return nil
		}
		p := *r.pipeline
		r.unlockAndPublish(ctx, domain.Event{Kind: domain.EventPipelineUpdated, Pipeline: &p})
		return nil
	}
	jobs := r.jobs
	r.mu.Unlock()

	list, err := jobs.JobsOf(ctx, candidate)
	if err != nil {
		return fmt.Errorf("jobs of pipeline %d: %w", candidate.ID, err)
	}
	stages := GroupStages(candidate, list)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	p := candidate
	r.pipeline = &p
	r.ref = candidate.Ref
	r.stages = stages
	r.terminal = candidate.Status.Terminal()

	r.log.Debug("pipeline reset",
		zap.Int64("pipeline", candidate.ID),
		zap.String("status", string(candidate.Status)),
		zap.Int("stages", len(stages)),
		zap.Int("jobs", len(list)),
	)
	r.unlockAndPublish(ctx, domain.Event{Kind: domain.EventPipelineReset, Pipeline: &p})
	return nil
}

// ObserveNoPipeline records that ref has no pipeline at all. A pipeline
// tracked for another ref is dropped.
func (r *Reconciler) ObserveNoPipeline(ctx context.Context, ref string) error {
	r.pipeMu.Lock()
	defer r.pipeMu.Unlock()

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	r.ref = ref
	if r.pipeline == nil {
		r.mu.Unlock()
		return nil
	}
	old := *r.pipeline
	r.pipeline = nil
	r.stages = nil
	r.terminal = false
	r.unlockAndPublish(ctx, domain.Event{Kind: domain.EventPipelineCleared, Pipeline: &old})
	return nil
}

// ObserveJob applies a freshly fetched job. Jobs of any pipeline other than
// the tracked one, or ids not present in a stage, are ignored. It reports
// whether the job was accepted.
func (r *Reconciler) ObserveJob(ctx context.Context, job domain.Job) bool {
	r.mu.Lock()
	if r.disposed || r.pipeline == nil || job.PipelineID != r.pipeline.ID {
		r.mu.Unlock()
		return false
	}

	si, ji := r.locateLocked(job.ID)
	if si < 0 {
		r.mu.Unlock()
		return false
	}

	stage := &r.stages[si]
	if stage.Jobs[ji] == job {
		r.mu.Unlock()
		return true
	}
	stage.Jobs[ji] = job

	prev := stage.Aggregate
	statuses := make([]domain.Status, len(stage.Jobs))
	for i, j := range stage.Jobs {
		statuses[i] = j.Status
	}
	if agg, ok := domain.Aggregate(statuses); ok {
		stage.Aggregate = agg
	}

	if prev != stage.Aggregate {
		r.log.Debug("stage status changed",
			zap.String("stage", stage.Name),
			zap.String("from", string(prev)),
			zap.String("to", string(stage.Aggregate)),
		)
	}

	view := domain.CloneStages(r.stages[si : si+1])[0]
	r.unlockAndPublish(ctx, domain.Event{Kind: domain.EventStageUpdated, Stage: &view})
	return true
}

// Disconnect drops everything: project, pipeline and stages.
func (r *Reconciler) Disconnect(ctx context.Context) {
	r.pipeMu.Lock()
	defer r.pipeMu.Unlock()

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	was := r.connected || r.project != nil || r.pipeline != nil || len(r.stages) > 0
	r.connected = false
	r.project = nil
	r.pipeline = nil
	r.stages = nil
	r.terminal = false
	if !was {
		r.mu.Unlock()
		return
	}
	r.unlockAndPublish(ctx, domain.Event{Kind: domain.EventDisconnected})
}

// Dispose stops all further mutations. It cannot be undone.
func (r *Reconciler) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
}

func (r *Reconciler) Terminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminal
}

// Ref is the ref the tracked pipeline (or its absence) was observed for.
func (r *Reconciler) Ref() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ref
}

func (r *Reconciler) Pipeline() (domain.Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pipeline == nil {
		return domain.Pipeline{}, false
	}
	return *r.pipeline, true
}

// TrackedJobs lists the jobs of all stages in display order.
func (r *Reconciler) TrackedJobs() []domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Job
	for _, s := range r.stages {
		out = append(out, s.Jobs...)
	}
	return out
}

func (r *Reconciler) Snapshot() domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() domain.Snapshot {
	s := domain.Snapshot{
		Repository: r.name,
		Connected:  r.connected,
		Ref:        r.ref,
		Stages:     domain.CloneStages(r.stages),
		Terminal:   r.terminal,
		Retrieved:  time.Now().Unix(),
	}
	if r.project != nil {
		p := *r.project
		s.Project = &p
	}
	if r.pipeline != nil {
		p := *r.pipeline
		s.Pipeline = &p
	}
	return s
}

func (r *Reconciler) locateLocked(jobID int64) (int, int) {
	for si, s := range r.stages {
		for ji, j := range s.Jobs {
			if j.ID == jobID {
				return si, ji
			}
		}
	}
	return -1, -1
}

// unlockAndPublish must be called with mu held for writing. mu is released
// before the sink runs.
func (r *Reconciler) unlockAndPublish(ctx context.Context, ev domain.Event) {
	ev.Snapshot = r.snapshotLocked()
	ticket := r.next
	r.next++
	r.mu.Unlock()

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	for r.served != ticket {
		r.pubTurn.Wait()
	}
	defer func() {
		r.served++
		r.pubTurn.Broadcast()
	}()

	if err := r.sink.Handle(ctx, ev); err != nil {
		r.log.Warn("sink failed", zap.String("event", string(ev.Kind)), zap.Error(err))
	}
}

// GroupStages groups jobs by stage in order of first appearance, keeping
// the fetch order inside each stage. Jobs reporting a different pipeline are
// dropped; jobs without one are attributed to p.
func GroupStages(p domain.Pipeline, jobs []domain.Job) []domain.StageView {
	var stages []domain.StageView
	index := make(map[string]int)

	for _, j := range jobs {
		if j.PipelineID == 0 {
			j.PipelineID = p.ID
		}
		if j.PipelineID != p.ID {
			continue
		}
		if j.ProjectID == 0 {
			j.ProjectID = p.ProjectID
		}

		i, ok := index[j.Stage]
		if !ok {
			i = len(stages)
			index[j.Stage] = i
			stages = append(stages, domain.StageView{Name: j.Stage})
		}
		stages[i].Jobs = append(stages[i].Jobs, j)
	}

	for i := range stages {
		statuses := make([]domain.Status, len(stages[i].Jobs))
		for k, j := range stages[i].Jobs {
			statuses[k] = j.Status
		}
		if agg, ok := domain.Aggregate(statuses); ok {
			stages[i].Aggregate = agg
		}
	}

	return stages
}
