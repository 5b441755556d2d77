package gitlab_http

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/davarch/stage-watcher/internal/domain"
)

// ProjectPath extracts "group/sub/repo" from a git remote URL. Supported
// forms are scp-like "git@host:group/repo.git", "ssh://git@host/group/repo.git"
// and "http(s)://host/group/repo.git".
func ProjectPath(remote string) (string, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", fmt.Errorf("%w: no remote", domain.ErrNotFound)
	}

	var path string
	switch {
	case strings.HasPrefix(remote, "https://"), strings.HasPrefix(remote, "http://"), strings.HasPrefix(remote, "ssh://"):
		u, err := url.Parse(remote)
		if err != nil {
			return "", fmt.Errorf("%w: remote %q: %v", domain.ErrNotFound, remote, err)
		}
		path = u.Path
	case strings.HasPrefix(remote, "git@"):
		i := strings.Index(remote, ":")
		if i < 0 {
			return "", fmt.Errorf("%w: remote %q", domain.ErrNotFound, remote)
		}
		path = remote[i+1:]
	default:
		return "", fmt.Errorf("%w: unsupported remote %q", domain.ErrNotFound, remote)
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" {
		return "", fmt.Errorf("%w: remote %q has no project path", domain.ErrNotFound, remote)
	}
	return path, nil
}
