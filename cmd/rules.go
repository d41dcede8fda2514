package cmd

import (
	"fmt"

	"github.com/micrictor/appwall/internal/config"
	"github.com/micrictor/appwall/internal/store"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the rule store",
}

// rulesCheckCmd represents the rules check command
var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate a rule file",
	Long:  `Loads the rule file, validates every rule and lists them per application`,
	Args:  cobra.NoArgs,
	RunE:  rulesCheckMain,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesCheckCmd)

	rulesCheckCmd.Flags().StringP("file", "f", "", "Rule file to check; defaults to rules.file from the configuration.")
}

func rulesCheckMain(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.Rules.File
	}

	st, err := store.NewFileStore(path).Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if st.Policy != 0 {
		fmt.Fprintf(out, "policy: %s\n", st.Policy)
	}
	if len(st.Watched) > 0 {
		fmt.Fprintf(out, "watched: %v\n", st.Watched)
	}
	for _, r := range st.Rules {
		fmt.Fprintf(out, "uid %d: %s\n", r.UserID, r)
	}
	fmt.Fprintf(out, "%s: %d rules ok\n", path, len(st.Rules))
	return nil
}
