package domain

type EventKind string

const (
	EventPipelineReset   EventKind = "pipeline_reset"
	EventPipelineUpdated EventKind = "pipeline_updated"
	EventStageUpdated    EventKind = "stage_updated"
	EventPipelineCleared EventKind = "pipeline_cleared"
	EventDisconnected    EventKind = "disconnected"
)

// Event describes one published change of a repository's tracked state.
// Pipeline is set for pipeline events, Stage for EventStageUpdated.
type Event struct {
	Kind     EventKind
	Pipeline *Pipeline
	Stage    *StageView
	Snapshot Snapshot
}
