package cli

import (
	"fmt"

	"github.com/davarch/stage-watcher/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the configured GitLab URL and token are accepted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.GitLab.Token == "" {
			return fmt.Errorf("no token configured (gitlab.token or GITLAB_TOKEN)")
		}

		if !clientFactory(cfg)(cfg.Credentials()).Validate(cmd.Context()) {
			return fmt.Errorf("%s rejected the connection", cfg.GitLab.BaseURL)
		}
		fmt.Printf("ok: %s\n", cfg.GitLab.BaseURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
