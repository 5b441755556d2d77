package sink_console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/davarch/stage-watcher/internal/domain"
	"github.com/fatih/color"
)

var (
	red    = color.New(color.FgRed, color.Bold)
	green  = color.New(color.FgGreen)
	blue   = color.New(color.FgBlue)
	yellow = color.New(color.FgYellow)
	faint  = color.New(color.Faint)
)

// Paint renders a status in its display color.
func Paint(s domain.Status) string {
	label := string(s)
	if s == domain.StatusUnknown {
		label = "?"
	}

	switch s {
	case domain.StatusFailed:
		return red.Sprint(label)
	case domain.StatusSuccess:
		return green.Sprint(label)
	case domain.StatusRunning:
		return blue.Sprint(label)
	case domain.StatusPending, domain.StatusCreated, domain.StatusWaitingForResource, domain.StatusManual:
		return yellow.Sprint(label)
	default:
		return faint.Sprint(label)
	}
}

// Console prints one line per event.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Console { return &Console{w: w} }

func (c *Console) Handle(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := faint.Sprintf("[%s]", ev.Snapshot.Repository)
	var err error
	switch ev.Kind {
	case domain.EventPipelineReset:
		_, err = fmt.Fprintf(c.w, "%s pipeline #%d on %s: %s  %s\n", prefix, ev.Pipeline.ID, ev.Pipeline.Ref,
			Paint(ev.Pipeline.Status), StageLine(ev.Snapshot.Stages))
	case domain.EventPipelineUpdated:
		_, err = fmt.Fprintf(c.w, "%s pipeline #%d: %s\n", prefix, ev.Pipeline.ID, Paint(ev.Pipeline.Status))
	case domain.EventStageUpdated:
		_, err = fmt.Fprintf(c.w, "%s stage %s: %s\n", prefix, ev.Stage.Name, Paint(ev.Stage.Aggregate))
	case domain.EventPipelineCleared:
		_, err = fmt.Fprintf(c.w, "%s no pipeline for %s\n", prefix, ev.Snapshot.Ref)
	case domain.EventDisconnected:
		_, err = fmt.Fprintf(c.w, "%s %s\n", prefix, red.Sprint("disconnected"))
	}
	return err
}

// StageLine renders stages in pipeline order, e.g. "build:success > test:running".
func StageLine(stages []domain.StageView) string {
	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		parts = append(parts, s.Name+":"+Paint(s.Aggregate))
	}
	return strings.Join(parts, " > ")
}

// PrintSnapshot writes a multi-line view of one repository.
func PrintSnapshot(w io.Writer, s domain.Snapshot) {
	switch {
	case !s.Connected:
		_, _ = fmt.Fprintf(w, "%s: %s\n", s.Repository, red.Sprint("not connected"))
		return
	case s.Pipeline == nil:
		_, _ = fmt.Fprintf(w, "%s: no pipeline for %s\n", s.Repository, s.Ref)
		return
	}

	_, _ = fmt.Fprintf(w, "%s: pipeline #%d on %s: %s\n", s.Repository, s.Pipeline.ID, s.Ref, Paint(s.Pipeline.Status))
	if s.Pipeline.WebURL != "" {
		_, _ = fmt.Fprintf(w, "  %s\n", faint.Sprint(s.Pipeline.WebURL))
	}
	for _, st := range s.Stages {
		_, _ = fmt.Fprintf(w, "  %-12s %s\n", st.Name, Paint(st.Aggregate))
		for _, j := range st.Jobs {
			_, _ = fmt.Fprintf(w, "    %-20s %s\n", j.Name, Paint(j.Status))
		}
	}
}
