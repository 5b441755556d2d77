package domain

import "context"

type GitlabClient interface {
	Validate(ctx context.Context) bool
	ResolveProject(ctx context.Context, remoteURL string) (Project, error)
	// LatestPipeline returns nil without error when the ref has no pipelines.
	LatestPipeline(ctx context.Context, project Project, ref string) (*Pipeline, error)
	JobsOf(ctx context.Context, pipeline Pipeline) ([]Job, error)
	Job(ctx context.Context, projectID, jobID int64) (Job, error)
}

// JobLister is the part of GitlabClient a pipeline rebuild needs.
type JobLister interface {
	JobsOf(ctx context.Context, pipeline Pipeline) ([]Job, error)
}

type Repository interface {
	Branch(ctx context.Context) (string, error)
	RemoteURL(ctx context.Context) (string, error)
}

type StatusSink interface {
	Handle(ctx context.Context, ev Event) error
}

type Credentials struct {
	BaseURL string
	Token   string
}
