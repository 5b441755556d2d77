package cli

import (
	"fmt"
	"strings"

	"github.com/davarch/stage-watcher/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <repository>",
	Short: "Enable repository by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		changed := setEnabled(&cfg, name, true)

		if !changed {
			fmt.Printf("no change (repository %q already enabled or not found)\n", name)
			return nil
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}

		fmt.Printf("enabled: %s\n", name)
		return nil
	},
}

func init() {
	enableCmd.ValidArgsFunction = completeRepositories

	rootCmd.AddCommand(enableCmd)
}

func setEnabled(cfg *config.Config, name string, enabled bool) bool {
	changed := false
	for i := range cfg.Poll.Repositories {
		r := &cfg.Poll.Repositories[i]
		if r.Name == name && r.Enabled != enabled {
			r.Enabled = enabled
			changed = true
		}
	}
	return changed
}

func completeRepositories(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Poll.Repositories))
	for _, p := range cfg.Poll.Repositories {
		if p.Name == "" {
			continue
		}

		if strings.HasPrefix(p.Name, toComplete) {
			out = append(out, p.Name)
		}
	}

	return out, cobra.ShellCompDirectiveNoFileComp
}
