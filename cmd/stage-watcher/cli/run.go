package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/stage-watcher/internal/application"
	"github.com/davarch/stage-watcher/internal/domain"
	"github.com/davarch/stage-watcher/internal/infrastructure/cache_fs"
	"github.com/davarch/stage-watcher/internal/infrastructure/config"
	"github.com/davarch/stage-watcher/internal/infrastructure/gitlab_http"
	"github.com/davarch/stage-watcher/internal/infrastructure/gitrepo"
	"github.com/davarch/stage-watcher/internal/infrastructure/history_sqlite"
	"github.com/davarch/stage-watcher/internal/infrastructure/logging"
	"github.com/davarch/stage-watcher/internal/infrastructure/notify_libnotify"
	"github.com/davarch/stage-watcher/internal/infrastructure/sink_console"
	"github.com/davarch/stage-watcher/internal/infrastructure/status_http"
	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runConsole  bool
	runNoNotify bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the configured repositories",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			logging.New("info").Fatal("config", zap.Error(err))
		}

		log := logging.New(cfg.Log.Level)
		defer func() { _ = log.Sync() }()

		repos := cfg.Enabled()
		if len(repos) == 0 {
			log.Fatal("no enabled repositories")
		}

		sinks := application.Sinks{cache_fs.New(afero.NewOsFs(), cfg.Cache.Path)}
		if !runNoNotify {
			sinks = append(sinks, notify_libnotify.NewSoft())
		}
		if runConsole {
			sinks = append(sinks, sink_console.New(os.Stdout))
		}
		if cfg.History.Path != "" {
			h, err := history_sqlite.Open(cfg.History.Path)
			if err != nil {
				log.Fatal("history", zap.Error(err))
			}
			defer func() { _ = h.Close() }()
			sinks = append(sinks, h)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		newClient := clientFactory(cfg)
		opts := application.PollerOptions{
			Every:           cfg.Poll.Interval,
			MaxConcurrency:  cfg.Poll.MaxConcurrency,
			TerminalRecheck: cfg.Poll.TerminalRecheck,
			MaxBackoff:      cfg.Poll.MaxBackoff,
			PauseFile:       cfg.Poll.PauseFile,
		}

		pollers := make([]*application.Poller, 0, len(repos))
		sources := make(map[string]status_http.Snapshotter, len(repos))
		for _, r := range repos {
			repo := gitrepo.New(r.Path, r.Ref, cfg.Poll.DefaultRef)
			rec := application.NewReconciler(log, r.Name, nil, sinks)
			p := application.NewPoller(log, rec, repo, newClient, cfg.Credentials(), opts)

			if err := repo.Watch(ctx, log, p.RepositoryChanged); err != nil {
				log.Warn("git watch disabled", zap.String("repository", r.Name), zap.Error(err))
			}
			pollers = append(pollers, p)
			sources[r.Name] = rec
		}

		watchAndReload(ctx, cfgPath, log, pollers)

		log.Info("start",
			zap.String("version", version),
			zap.Int("repositories", len(pollers)),
			zap.Duration("every", cfg.Poll.Interval),
			zap.String("cache", cfg.Cache.Path),
			zap.String("gitlab", cfg.GitLab.BaseURL),
			zap.String("pause_file", cfg.Poll.PauseFile),
		)

		var wg conc.WaitGroup
		for _, p := range pollers {
			p := p
			wg.Go(func() { p.Run(ctx) })
		}
		if cfg.HTTP.Addr != "" {
			srv := status_http.NewServer(log, sources)
			wg.Go(func() {
				if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
					log.Error("status server", zap.Error(err))
				}
			})
		}
		wg.Wait()
		log.Info("stopped")
	},
}

func init() {
	runCmd.Flags().BoolVar(&runConsole, "console", false, "print every change to stdout")
	runCmd.Flags().BoolVar(&runNoNotify, "no-notify", false, "disable desktop notifications")

	rootCmd.AddCommand(runCmd)
}

func clientFactory(cfg config.Config) application.ClientFactory {
	return func(c domain.Credentials) domain.GitlabClient {
		return gitlab_http.New(c.BaseURL, c.Token, cfg.GitLab.Timeout,
			gitlab_http.WithRateLimit(cfg.GitLab.RateLimit, cfg.GitLab.Burst))
	}
}

// watchAndReload pushes new credentials to every poller when the config file
// changes. The repository list is only read at startup.
func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, pollers []*application.Poller) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}

	if err := w.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		return
	}

	fire := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("gitlab", cfg.GitLab.BaseURL))
		for _, p := range pollers {
			p.UpdateCredentials(cfg.Credentials())
		}
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

				if filepath.Base(ev.Name) != base {
					continue
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(300*time.Millisecond, fire)
				} else {
					timer.Reset(300 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
