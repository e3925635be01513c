package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/provisioner/internal/orchestrator"
)

var wireCmd = &cobra.Command{
	Use:   "wire",
	Short: "Run only the wiring rules",
	Long: `Run the wiring rules against the recorded address book without deploying.

Use --from-rule to resume after a failed rule once its cause is fixed. Rules
before the given index are not sent again.

Examples:
  provisioner wire
  provisioner wire --from-rule 3`,
	RunE: runWire,
}

func init() {
	wireCmd.Flags().Int("from-rule", 1, "1-based index of the first rule to run")
	wireCmd.Flags().Bool("skip-preflight", false, "do not check node and balances first")
	rootCmd.AddCommand(wireCmd)
}

func runWire(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	fromRule, _ := cmd.Flags().GetInt("from-rule")
	skipPreflight, _ := cmd.Flags().GetBool("skip-preflight")

	oc, err := rt.orchestratorConfig(cmd.Context(), runOptions{
		noCompile:     true,
		skipPreflight: skipPreflight,
		noPublish:     true,
	})
	if err != nil {
		return err
	}

	rep, runErr := orchestrator.New(oc).Wire(cmd.Context(), fromRule)
	if err := printReport(cmd.OutOrStdout(), rep); err != nil {
		return err
	}
	return runErr
}
