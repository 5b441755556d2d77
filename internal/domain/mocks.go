package domain

import (
	"context"
	"sync"
)

type MockGitLab struct {
	mu sync.Mutex

	Valid       bool
	Project     Project
	ProjectErr  error
	Pipelines   map[string]*Pipeline
	PipelineErr error
	Jobs        map[int64][]Job
	JobsErr     error
	JobStates   map[int64]Job
	JobErr      error

	ValidateCalls int
	ResolveCalls  int
	PipelineCalls int
	JobsOfCalls   int
	JobCalls      int
}

func NewMockGitLab() *MockGitLab {
	return &MockGitLab{
		Valid:     true,
		Pipelines: make(map[string]*Pipeline),
		Jobs:      make(map[int64][]Job),
		JobStates: make(map[int64]Job),
	}
}

func (m *MockGitLab) Validate(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ValidateCalls++
	return m.Valid
}

func (m *MockGitLab) ResolveProject(ctx context.Context, remoteURL string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResolveCalls++
	if m.ProjectErr != nil {
		return Project{}, m.ProjectErr
	}
	return m.Project, nil
}

func (m *MockGitLab) LatestPipeline(ctx context.Context, project Project, ref string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PipelineCalls++
	if m.PipelineErr != nil {
		return nil, m.PipelineErr
	}
	p, ok := m.Pipelines[ref]
	if !ok || p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MockGitLab) JobsOf(ctx context.Context, pipeline Pipeline) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JobsOfCalls++
	if m.JobsErr != nil {
		return nil, m.JobsErr
	}
	jobs := make([]Job, len(m.Jobs[pipeline.ID]))
	copy(jobs, m.Jobs[pipeline.ID])
	return jobs, nil
}

func (m *MockGitLab) Job(ctx context.Context, projectID, jobID int64) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JobCalls++
	if m.JobErr != nil {
		return Job{}, m.JobErr
	}
	j, ok := m.JobStates[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}

// Set runs fn with the mock locked, for tests that change behavior while a
// poller is running.
func (m *MockGitLab) Set(fn func(m *MockGitLab)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

type MockRepository struct {
	mu     sync.Mutex
	Ref    string
	Remote string
	Err    error
}

func (r *MockRepository) Branch(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Ref, r.Err
}

func (r *MockRepository) RemoteURL(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Remote, r.Err
}

func (r *MockRepository) SetRef(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ref = ref
}

type MockSink struct {
	mu     sync.Mutex
	Events []Event
	Err    error
}

func (s *MockSink) Handle(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return s.Err
}

func (s *MockSink) Kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, 0, len(s.Events))
	for _, ev := range s.Events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *MockSink) Count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.Events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
