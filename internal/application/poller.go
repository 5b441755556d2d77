package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/stage-watcher/internal/domain"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

type State int32

const (
	StateIdle State = iota
	StateResolving
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

var errConnectionInvalid = errors.New("gitlab connection invalid")

// ClientFactory builds a client for one set of credentials.
type ClientFactory func(domain.Credentials) domain.GitlabClient

type PollerOptions struct {
	Every time.Duration
	// MaxConcurrency bounds parallel job fetches per tick.
	MaxConcurrency int
	// TerminalRecheck re-fetches the latest pipeline of a finished run at
	// this interval. Zero never re-checks.
	TerminalRecheck time.Duration
	MaxBackoff      time.Duration
	PauseFile       string
}

// Poller drives one Reconciler. Every transition runs on the goroutine
// executing Run, so ticks, repository changes and credential updates are
// processed one at a time.
type Poller struct {
	log       *zap.Logger
	rec       *Reconciler
	repo      domain.Repository
	newClient ClientFactory
	opts      PollerOptions

	state   atomic.Int32
	changed chan struct{}

	credMu      sync.Mutex
	credPending *domain.Credentials
	credSignal  chan struct{}

	// owned by the Run goroutine
	gl            domain.GitlabClient
	remote        string
	bo            *backoff.ExponentialBackOff
	retryAt       time.Time
	lastPipeCheck time.Time
	now           func() time.Time
}

func NewPoller(l *zap.Logger, rec *Reconciler, repo domain.Repository, newClient ClientFactory, creds domain.Credentials, opts PollerOptions) *Poller {
	if opts.Every <= 0 {
		opts.Every = time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.Every
	bo.MaxInterval = opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	gl := newClient(creds)
	rec.SetJobLister(gl)

	return &Poller{
		log:        l.With(zap.String("repository", rec.name)),
		rec:        rec,
		repo:       repo,
		newClient:  newClient,
		opts:       opts,
		changed:    make(chan struct{}, 1),
		credSignal: make(chan struct{}, 1),
		gl:         gl,
		bo:         bo,
		now:        time.Now,
	}
}

func (p *Poller) Reconciler() *Reconciler { return p.rec }

func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) setState(s State) {
	if old := State(p.state.Swap(int32(s))); old != s {
		p.log.Debug("state", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// RepositoryChanged signals a branch or remote change. The next resolution
// happens right away instead of on the next tick.
func (p *Poller) RepositoryChanged() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// UpdateCredentials replaces the connection settings. The connection is
// validated again before anything else is fetched.
func (p *Poller) UpdateCredentials(c domain.Credentials) {
	p.credMu.Lock()
	p.credPending = &c
	p.credMu.Unlock()

	select {
	case p.credSignal <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.opts.Every)
	defer t.Stop()
	defer func() {
		p.rec.Dispose()
		p.setState(StateIdle)
	}()

	p.setState(StateResolving)
	p.step(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.step(ctx)
		case <-p.changed:
			p.log.Info("repository changed, resolving")
			p.resolveNow()
			p.step(ctx)
		case <-p.credSignal:
			p.applyCredentials()
			p.step(ctx)
		}
	}
}

func (p *Poller) resolveNow() {
	p.retryAt = time.Time{}
	p.setState(StateResolving)
}

func (p *Poller) applyCredentials() {
	p.credMu.Lock()
	c := p.credPending
	p.credPending = nil
	p.credMu.Unlock()
	if c == nil {
		return
	}

	p.gl = p.newClient(*c)
	p.rec.SetJobLister(p.gl)
	p.bo.Reset()
	p.log.Info("credentials updated", zap.String("gitlab", c.BaseURL))
	p.resolveNow()
}

func (p *Poller) step(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if p.isPaused() {
		p.log.Debug("paused: skipping poll")
		return
	}

	switch p.State() {
	case StateIdle:
		if p.now().Before(p.retryAt) {
			return
		}
		p.setState(StateResolving)
		fallthrough
	case StateResolving:
		p.handle(ctx, p.resolve(ctx))
	case StatePolling:
		p.handle(ctx, p.poll(ctx))
	}
}

func (p *Poller) handle(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrDisposed) {
		return
	}

	if domain.KeepsState(err) {
		p.log.Warn("bad payload, keeping state", zap.Stringer("state", p.State()), zap.Error(err))
		return
	}

	p.log.Warn("poll failed", zap.Stringer("state", p.State()), zap.Error(err))
	p.disconnect(ctx)
}

func (p *Poller) disconnect(ctx context.Context) {
	p.rec.Disconnect(ctx)
	p.remote = ""
	p.setState(StateIdle)

	wait := p.bo.NextBackOff()
	if wait == backoff.Stop {
		wait = p.opts.MaxBackoff
	}
	p.retryAt = p.now().Add(wait)
	p.log.Debug("reconnect scheduled", zap.Duration("in", wait))
}

func (p *Poller) resolve(ctx context.Context) error {
	if !p.gl.Validate(ctx) {
		return errConnectionInvalid
	}

	remote, err := p.repo.RemoteURL(ctx)
	if err != nil {
		return fmt.Errorf("remote url: %w", err)
	}

	if _, ok := p.rec.Project(); !ok || remote != p.remote {
		project, err := p.gl.ResolveProject(ctx, remote)
		if err != nil {
			return fmt.Errorf("resolve project: %w", err)
		}
		if err := p.rec.SetProject(project); err != nil {
			return err
		}
		p.remote = remote
		p.log.Info("project resolved",
			zap.Int64("project", project.ID),
			zap.String("name", project.Name),
		)
	}

	if err := p.refreshPipeline(ctx); err != nil {
		return err
	}

	p.bo.Reset()
	p.setState(StatePolling)
	return nil
}

func (p *Poller) poll(ctx context.Context) error {
	if p.rec.Terminal() {
		ref, err := p.repo.Branch(ctx)
		if err != nil {
			return fmt.Errorf("branch: %w", err)
		}
		if ref != p.rec.Ref() {
			p.log.Info("branch changed, resolving", zap.String("ref", ref))
			p.resolveNow()
			return p.resolve(ctx)
		}
		if p.opts.TerminalRecheck <= 0 || p.now().Sub(p.lastPipeCheck) < p.opts.TerminalRecheck {
			return nil
		}
		return p.refreshPipeline(ctx)
	}

	jobErr := p.refreshJobs(ctx)
	if jobErr != nil && !domain.KeepsState(jobErr) {
		return jobErr
	}

	if err := p.refreshPipeline(ctx); err != nil {
		return err
	}

	// jobs can finish between the two fetches; job polling stops after this
	if p.rec.Terminal() {
		if err := p.refreshJobs(ctx); err != nil && !domain.KeepsState(err) {
			return err
		}
	}
	return jobErr
}

func (p *Poller) refreshPipeline(ctx context.Context) error {
	project, ok := p.rec.Project()
	if !ok {
		return errConnectionInvalid
	}

	ref, err := p.repo.Branch(ctx)
	if err != nil {
		return fmt.Errorf("branch: %w", err)
	}

	pl, err := p.gl.LatestPipeline(ctx, project, ref)
	if err != nil {
		return fmt.Errorf("latest pipeline for %s: %w", ref, err)
	}
	p.lastPipeCheck = p.now()

	if pl == nil {
		return p.rec.ObserveNoPipeline(ctx, ref)
	}
	if pl.Ref == "" {
		pl.Ref = ref
	}
	if pl.ProjectID == 0 {
		pl.ProjectID = project.ID
	}
	return p.rec.ObservePipeline(ctx, *pl)
}

// refreshJobs fetches every tracked job concurrently and feeds the results
// to the reconciler. A fatal error wins over a malformed payload.
func (p *Poller) refreshJobs(ctx context.Context) error {
	jobs := p.rec.TrackedJobs()
	if len(jobs) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		fatal     error
		malformed error
	)

	gl := p.gl
	wp := pool.New().WithMaxGoroutines(p.opts.MaxConcurrency)
	for _, j := range jobs {
		j := j
		wp.Go(func() {
			fresh, err := gl.Job(ctx, j.ProjectID, j.ID)
			if err != nil {
				err = fmt.Errorf("job %d: %w", j.ID, err)
				mu.Lock()
				if domain.KeepsState(err) {
					if malformed == nil {
						malformed = err
					}
				} else if fatal == nil {
					fatal = err
				}
				mu.Unlock()
				return
			}
			p.rec.ObserveJob(ctx, fresh)
		})
	}
	wp.Wait()

	if fatal != nil {
		return fatal
	}
	return malformed
}

func (p *Poller) isPaused() bool {
	if p.opts.PauseFile == "" {
		return false
	}
	_, err := os.Stat(p.opts.PauseFile)
	return err == nil
}
