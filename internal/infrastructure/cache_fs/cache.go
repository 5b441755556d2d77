package cache_fs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/davarch/stage-watcher/internal/domain"
	"github.com/spf13/afero"
)

// FSCache keeps the latest snapshot of every repository in one JSON file,
// rewritten on each event. Status bars read it.
type FSCache struct {
	fs   afero.Fs
	path string

	mu    sync.Mutex
	snaps map[string]domain.Snapshot
}

func New(fs afero.Fs, path string) *FSCache {
	return &FSCache{fs: fs, path: path, snaps: make(map[string]domain.Snapshot)}
}

type jobOut struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

type stageOut struct {
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Jobs   []jobOut `json:"jobs"`
}

type repoOut struct {
	Repository string     `json:"repository"`
	Connected  bool       `json:"connected"`
	Ref        string     `json:"ref,omitempty"`
	ProjectID  int64      `json:"project_id,omitempty"`
	Project    string     `json:"project,omitempty"`
	Pipeline   int64      `json:"pipeline_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	URL        string     `json:"url,omitempty"`
	Terminal   bool       `json:"terminal"`
	Stages     []stageOut `json:"stages"`
	Retrieved  int64      `json:"retrieved"`
}

func (c *FSCache) Handle(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snaps[ev.Snapshot.Repository] = ev.Snapshot
	return c.writeLocked()
}

func (c *FSCache) writeLocked() error {
	if c.path == "" {
		return errors.New("cache path is empty")
	}

	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	names := make([]string, 0, len(c.snaps))
	for n := range c.snaps {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]repoOut, 0, len(names))
	for _, n := range names {
		out = append(out, toOut(c.snaps[n]))
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, b, 0o644); err != nil {
		return err
	}
	return c.fs.Rename(tmp, c.path)
}

func toOut(s domain.Snapshot) repoOut {
	o := repoOut{
		Repository: s.Repository,
		Connected:  s.Connected,
		Ref:        s.Ref,
		Terminal:   s.Terminal,
		Stages:     make([]stageOut, 0, len(s.Stages)),
		Retrieved:  s.Retrieved,
	}
	if s.Project != nil {
		o.ProjectID = s.Project.ID
		o.Project = s.Project.Name
	}
	if s.Pipeline != nil {
		o.Pipeline = s.Pipeline.ID
		o.Status = string(s.Pipeline.Status)
		o.URL = s.Pipeline.WebURL
	}
	for _, st := range s.Stages {
		so := stageOut{Name: st.Name, Status: string(st.Aggregate), Jobs: make([]jobOut, 0, len(st.Jobs))}
		for _, j := range st.Jobs {
			so.Jobs = append(so.Jobs, jobOut{ID: j.ID, Name: j.Name, Status: string(j.Status), URL: j.URL})
		}
		o.Stages = append(o.Stages, so)
	}
	return o
}
