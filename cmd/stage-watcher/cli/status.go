package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/davarch/stage-watcher/internal/application"
	"github.com/davarch/stage-watcher/internal/domain"
	"github.com/davarch/stage-watcher/internal/infrastructure/config"
	"github.com/davarch/stage-watcher/internal/infrastructure/gitrepo"
	"github.com/davarch/stage-watcher/internal/infrastructure/sink_console"
	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [repository...]",
	Short: "Fetch the latest pipeline of each repository once and print its stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		repos := cfg.Enabled()
		if len(args) > 0 {
			repos = pick(cfg.Poll.Repositories, args)
			if len(repos) == 0 {
				return fmt.Errorf("no repository named %v in config", args)
			}
		}

		gl := clientFactory(cfg)(cfg.Credentials())
		ctx := cmd.Context()
		connected := gl.Validate(ctx)

		snaps := iter.Map(repos, func(r *config.Repository) domain.Snapshot {
			return snapshotOnce(ctx, gl, connected, *r, cfg.Poll.DefaultRef)
		})

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snaps)
		}
		for _, s := range snaps {
			sink_console.PrintSnapshot(os.Stdout, s)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	statusCmd.ValidArgsFunction = completeRepositories

	rootCmd.AddCommand(statusCmd)
}

func pick(all []config.Repository, names []string) []config.Repository {
	var out []config.Repository
	for _, r := range all {
		for _, n := range names {
			if r.Name == n {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// snapshotOnce runs a single resolve against a throwaway reconciler. Failures
// leave the snapshot disconnected, the same as the watcher would show it.
func snapshotOnce(ctx context.Context, gl domain.GitlabClient, connected bool, r config.Repository, defaultRef string) domain.Snapshot {
	rec := application.NewReconciler(zap.NewNop(), r.Name, gl, nil)
	defer rec.Dispose()

	fail := func(err error) domain.Snapshot {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", r.Name, err)
		rec.Disconnect(ctx)
		return rec.Snapshot()
	}

	if !connected {
		return rec.Snapshot()
	}

	repo := gitrepo.New(r.Path, r.Ref, defaultRef)
	remote, err := repo.RemoteURL(ctx)
	if err != nil {
		return fail(err)
	}
	project, err := gl.ResolveProject(ctx, remote)
	if err != nil {
		return fail(err)
	}
	if err := rec.SetProject(project); err != nil {
		return fail(err)
	}

	ref, err := repo.Branch(ctx)
	if err != nil {
		return fail(err)
	}
	pipeline, err := gl.LatestPipeline(ctx, project, ref)
	if err != nil {
		return fail(err)
	}

	if pipeline == nil {
		err = rec.ObserveNoPipeline(ctx, ref)
	} else {
		err = rec.ObservePipeline(ctx, *pipeline)
	}
	if err != nil {
		return fail(err)
	}
	return rec.Snapshot()
}
