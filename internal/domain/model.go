package domain

type Status string

const (
	StatusCreated            Status = "created"
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
	StatusCanceled           Status = "canceled"
	StatusManual             Status = "manual"
	StatusWaitingForResource Status = "waiting_for_resource"

	// StatusUnknown is an aggregate nobody has determined yet.
	StatusUnknown Status = ""
)

// ParseStatus maps a GitLab status string onto Status. Values outside the
// known set become StatusUnknown.
func ParseStatus(s string) Status {
	switch st := Status(s); st {
	case StatusCreated, StatusPending, StatusRunning, StatusSuccess, StatusFailed,
		StatusCanceled, StatusManual, StatusWaitingForResource:
		return st
	default:
		return StatusUnknown
	}
}

// Terminal reports whether a pipeline in this status will not change anymore.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Pipeline struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Ref       string `json:"ref"`
	Status    Status `json:"status"`
	WebURL    string `json:"web_url,omitempty"`
}

type Job struct {
	ID         int64  `json:"id"`
	Stage      string `json:"stage"`
	Status     Status `json:"status"`
	Name       string `json:"name"`
	PipelineID int64  `json:"pipeline_id"`
	ProjectID  int64  `json:"project_id"`
	URL        string `json:"url,omitempty"`
}

type StageView struct {
	Name      string `json:"name"`
	Jobs      []Job  `json:"jobs"`
	Aggregate Status `json:"status"`
}

func (v StageView) clone() StageView {
	jobs := make([]Job, len(v.Jobs))
	copy(jobs, v.Jobs)
	v.Jobs = jobs
	return v
}

// CloneStages deep-copies a stage list so the copy shares no job slices.
func CloneStages(in []StageView) []StageView {
	if in == nil {
		return nil
	}
	out := make([]StageView, len(in))
	for i, v := range in {
		out[i] = v.clone()
	}
	return out
}

// Snapshot is a consistent, detached copy of one repository's tracked state.
type Snapshot struct {
	Repository string      `json:"repository"`
	Connected  bool        `json:"connected"`
	Ref        string      `json:"ref"`
	Project    *Project    `json:"project,omitempty"`
	Pipeline   *Pipeline   `json:"pipeline,omitempty"`
	Stages     []StageView `json:"stages"`
	Terminal   bool        `json:"terminal"`
	Retrieved  int64       `json:"retrieved"`
}
