package cli

import (
	"testing"

	"github.com/davarch/stage-watcher/internal/infrastructure/config"
)

func TestSetEnabled(t *testing.T) {
	var cfg config.Config
	cfg.Poll.Repositories = []config.Repository{
		{Name: "api", Enabled: true},
		{Name: "web", Enabled: false},
	}

	if setEnabled(&cfg, "api", true) {
		t.Error("already enabled must report no change")
	}
	if !setEnabled(&cfg, "web", true) || !cfg.Poll.Repositories[1].Enabled {
		t.Error("web not enabled")
	}
	if setEnabled(&cfg, "missing", false) {
		t.Error("unknown name must report no change")
	}
}

func TestPick_KeepsConfigOrder(t *testing.T) {
	all := []config.Repository{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	got := pick(all, []string{"c", "a", "zzz"})
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Errorf("got %+v", got)
	}
}
