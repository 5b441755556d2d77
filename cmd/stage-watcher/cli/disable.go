package cli

import (
	"fmt"

	"github.com/davarch/stage-watcher/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:   "disable <repository>",
	Short: "Disable repository by name in config.yaml",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		changed := setEnabled(&cfg, name, false)

		if !changed {
			fmt.Printf("no change (repository %q already disabled or not found)\n", name)
			return nil
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("disabled: %s\n", name)

		return nil
	},
}

func init() {
	disableCmd.ValidArgsFunction = completeRepositories

	rootCmd.AddCommand(disableCmd)
}
