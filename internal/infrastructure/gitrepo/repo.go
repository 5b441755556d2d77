package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounce = 300 * time.Millisecond

// Repo reads branch and remote of a local git checkout with the git CLI.
type Repo struct {
	dir        string
	fixedRef   string
	defaultRef string
}

// New returns a Repo for dir. A non-empty ref pins the branch instead of
// following HEAD; defaultRef is used while HEAD is detached.
func New(dir, ref, defaultRef string) *Repo {
	return &Repo{dir: dir, fixedRef: ref, defaultRef: defaultRef}
}

func (r *Repo) Branch(ctx context.Context) (string, error) {
	if r.fixedRef != "" {
		return r.fixedRef, nil
	}

	out, err := r.git(ctx, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil || out == "" {
		if _, gerr := r.git(ctx, "rev-parse", "--git-dir"); gerr != nil {
			return "", gerr
		}
		return r.defaultRef, nil
	}
	return out, nil
}

// RemoteURL returns the URL of "origin", or of the first remote when there is
// no origin. It is empty when the repository has no remotes.
func (r *Repo) RemoteURL(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "remote")
	if err != nil {
		return "", err
	}

	remotes := strings.Fields(out)
	if len(remotes) == 0 {
		return "", nil
	}

	name := remotes[0]
	for _, rm := range remotes {
		if rm == "origin" {
			name = rm
			break
		}
	}

	return r.git(ctx, "remote", "get-url", name)
}

// Watch calls onChange whenever HEAD or the git config changes, until ctx is
// done. Bursts of events are collapsed into one call.
func (r *Repo) Watch(ctx context.Context, log *zap.Logger, onChange func()) error {
	gitDir, err := r.git(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(gitDir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				switch filepath.Base(ev.Name) {
				case "HEAD", "config":
				default:
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(debounce, onChange)
				} else {
					timer.Reset(debounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("git watch error", zap.String("dir", gitDir), zap.Error(err))
			}
		}
	}()

	return nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}
