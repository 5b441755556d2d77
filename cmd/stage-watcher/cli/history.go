package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davarch/stage-watcher/internal/infrastructure/config"
	"github.com/davarch/stage-watcher/internal/infrastructure/history_sqlite"
	"github.com/davarch/stage-watcher/internal/infrastructure/sink_console"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [repository]",
	Short: "Show pipelines recorded by the watcher",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.History.Path == "" {
			return fmt.Errorf("history is disabled (history.path or HISTORY_PATH)")
		}

		h, err := history_sqlite.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()

		var repo string
		if len(args) == 1 {
			repo = args[0]
		}
		runs, err := h.Recent(cmd.Context(), repo, historyLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "REPOSITORY\tPIPELINE\tREF\tSTATUS\tSEEN\tUPDATED")
		for _, r := range runs {
			_, _ = fmt.Fprintf(w, "%s\t#%d\t%s\t%s\t%s\t%s\n",
				r.Repository, r.PipelineID, r.Ref, sink_console.Paint(r.Status),
				humanize.Time(r.FirstSeen), humanize.Time(r.UpdatedAt))
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of pipelines to show")
	historyCmd.ValidArgsFunction = completeRepositories

	rootCmd.AddCommand(historyCmd)
}
