package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davarch/stage-watcher/internal/domain"
	"gopkg.in/yaml.v3"
)

type Repository struct {
	Name    string `yaml:"name,omitempty" json:"name"`
	Path    string `yaml:"path" json:"path"`
	Ref     string `yaml:"ref,omitempty" json:"ref,omitempty"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type Config struct {
	GitLab struct {
		BaseURL   string        `yaml:"base_url"`
		Token     string        `yaml:"token"`
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit float64       `yaml:"rate_limit"`
		Burst     int           `yaml:"burst"`
	} `yaml:"gitlab"`

	Poll struct {
		Interval        time.Duration `yaml:"interval"`
		MaxConcurrency  int           `yaml:"max_concurrency"`
		TerminalRecheck time.Duration `yaml:"terminal_recheck"`
		MaxBackoff      time.Duration `yaml:"max_backoff"`
		DefaultRef      string        `yaml:"default_ref"`
		PauseFile       string        `yaml:"pause_file"`
		Repositories    []Repository  `yaml:"repositories"`
	} `yaml:"poll"`

	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`

	History struct {
		Path string `yaml:"path"`
	} `yaml:"history"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Credentials returns the connection settings. An empty token is valid
// here; it means "not connected".
func (c Config) Credentials() domain.Credentials {
	return domain.Credentials{BaseURL: c.GitLab.BaseURL, Token: c.GitLab.Token}
}

// Enabled lists the repositories to watch.
func (c Config) Enabled() []Repository {
	var out []Repository
	for _, r := range c.Poll.Repositories {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func Load(path string) (Config, error) {
	var c Config

	c.GitLab.BaseURL = "https://gitlab.com"
	c.GitLab.Timeout = 10 * time.Second
	c.GitLab.RateLimit = 10
	c.GitLab.Burst = 20
	c.Poll.Interval = time.Second
	c.Poll.MaxConcurrency = 4
	c.Poll.MaxBackoff = time.Minute
	c.Poll.DefaultRef = "main"
	c.Cache.Path = expandHome("~/.cache/ci_stages.json")
	c.Log.Level = "info"

	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return c, err
		}
	}

	if v := os.Getenv("GITLAB_BASE_URL"); v != "" {
		c.GitLab.BaseURL = v
	}

	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		c.GitLab.Token = v
	}

	if v := os.Getenv("GITLAB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GitLab.Timeout = d
		}
	}

	if v := os.Getenv("INTERVAL"); v != "" {
		if d, err := ParseInterval(v); err == nil {
			c.Poll.Interval = d
		}
	}

	if v := os.Getenv("CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}

	if v := os.Getenv("HISTORY_PATH"); v != "" {
		c.History.Path = v
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if s := os.Getenv("GITLAB_REPOSITORIES"); s != "" {
		var rs []Repository
		for _, item := range strings.Split(s, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			r := Repository{Path: item, Enabled: true}
			if name, p, ok := strings.Cut(item, "="); ok {
				r.Name, r.Path = name, p
			}
			rs = append(rs, r)
		}
		if len(rs) > 0 {
			c.Poll.Repositories = rs
		}
	}

	if len(c.Poll.Repositories) == 0 {
		c.Poll.Repositories = []Repository{{Path: ".", Enabled: true}}
	}

	for i := range c.Poll.Repositories {
		r := &c.Poll.Repositories[i]
		r.Path = expandHome(r.Path)
		if r.Name == "" {
			r.Name = repoName(r.Path)
		}
	}

	c.Cache.Path = expandHome(c.Cache.Path)
	c.History.Path = expandHome(c.History.Path)
	if c.GitLab.BaseURL == "" {
		c.GitLab.BaseURL = "https://gitlab.com"
	}

	if c.Poll.Interval <= 0 {
		c.Poll.Interval = time.Second
	}

	if c.GitLab.Timeout <= 0 {
		c.GitLab.Timeout = 10 * time.Second
	}

	if c.Poll.MaxConcurrency <= 0 {
		c.Poll.MaxConcurrency = 4
	}

	if c.Poll.DefaultRef == "" {
		c.Poll.DefaultRef = "main"
	}

	if c.Poll.PauseFile == "" {
		c.Poll.PauseFile = expandHome("~/.cache/ci_paused")
	}

	return c, nil
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// ParseInterval accepts a Go duration or a bare number of seconds.
func ParseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func repoName(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.Base(abs)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
