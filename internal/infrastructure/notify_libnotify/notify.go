package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/davarch/stage-watcher/internal/domain"
)

type Notifier struct {
	soft bool
	run  func(ctx context.Context, name string, args ...string) error
}

func New() *Notifier     { return &Notifier{soft: false, run: execRun} }
func NewSoft() *Notifier { return &Notifier{soft: true, run: execRun} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

func execRun(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Handle notifies when a new pipeline shows up for the watched ref and when
// a tracked pipeline changes status. Stage and connection events are left
// to the other sinks.
func (n *Notifier) Handle(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventPipelineReset, domain.EventPipelineUpdated:
	default:
		return nil
	}
	if ev.Pipeline == nil {
		return nil
	}

	p := ev.Pipeline
	body := "Pipeline #" + strconv.FormatInt(p.ID, 10) + " (" + p.Ref + ")"
	if ev.Snapshot.Repository != "" {
		body = ev.Snapshot.Repository + ": " + body
	}

	opt := Options{Urgency: "normal"}
	switch p.Status {
	case domain.StatusFailed:
		opt.Urgency = "critical"
	case domain.StatusRunning, domain.StatusPending, domain.StatusCreated:
		opt.Urgency = "low"
		opt.Expire = 5 * time.Second
	}

	return n.NotifyWith(ctx, titleFor(p.Status), body, p.WebURL, opt)
}

func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	return n.NotifyWith(ctx, title, body, url, Options{})
}

func (n *Notifier) NotifyWith(ctx context.Context, title, body, url string, opt Options) error {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	args := []string{"--app-name=stage-watcher"}
	if opt.Urgency != "" {
		args = append(args, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		ms := strconv.Itoa(int(opt.Expire / time.Millisecond))
		args = append(args, "--expire-time="+ms)
	}
	args = append(args, title, body)

	if err := n.run(ctx, "notify-send", args...); err != nil {
		if n.soft {
			return nil
		}
		return err
	}

	return nil
}

func titleFor(s domain.Status) string {
	switch s {
	case domain.StatusSuccess:
		return "✅ CI: success"
	case domain.StatusFailed:
		return "❌ CI: failed"
	case domain.StatusRunning:
		return "▶️ CI: running"
	case domain.StatusCanceled:
		return "⛔ CI: canceled"
	case domain.StatusManual:
		return "✋ CI: manual"
	default:
		return "ℹ️ CI: " + string(s)
	}
}
