package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/provisioner/internal/orchestrator"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Compile, deploy, wire and publish",
	Long: `Run a full provisioning pass.

Components listed in skip keep their recorded address; every other component
is deployed and its address recorded immediately. After all deployments the
wiring rules run in order. A failure stops the run and names the component or
rule that failed; rerun with the successfully deployed components in skip to
resume.

Examples:
  provisioner deploy
  provisioner deploy --skip UserManager,TdrStorage
  provisioner deploy --no-compile --json`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().Bool("no-compile", false, "use the artifacts already in the build directory")
	deployCmd.Flags().Bool("skip-preflight", false, "do not check node and balances first")
	deployCmd.Flags().Bool("no-publish", false, "do not export artifacts after the run")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	var opts runOptions
	opts.noCompile, _ = cmd.Flags().GetBool("no-compile")
	opts.skipPreflight, _ = cmd.Flags().GetBool("skip-preflight")
	opts.noPublish, _ = cmd.Flags().GetBool("no-publish")

	oc, err := rt.orchestratorConfig(cmd.Context(), opts)
	if err != nil {
		return err
	}

	rep, runErr := orchestrator.New(oc).Run(cmd.Context())
	if err := printReport(cmd.OutOrStdout(), rep); err != nil {
		return err
	}
	return runErr
}

// printReport renders a run report as JSON or a summary table.
func printReport(w io.Writer, rep *orchestrator.Report) error {
	if jsonOut {
		return printJSON(w, rep)
	}

	if len(rep.Deployed) > 0 || len(rep.Reused) > 0 {
		t := newTable(w)
		printTableHeader(t, "COMPONENT", "ACTION", "ADDRESS")
		for _, d := range rep.Deployed {
			fmt.Fprintf(t, "%s\t%s\t%s\n", d.Name, "deployed", d.Address.Hex())
		}
		for _, name := range rep.Reused {
			fmt.Fprintf(t, "%s\t%s\t%s\n", name, "reused", rep.AddressBook[name])
		}
		t.Flush()
	}

	if len(rep.Wired) > 0 {
		fmt.Fprintln(w)
		t := newTable(w)
		printTableHeader(t, "#", "RULE", "TX")
		for _, r := range rep.Wired {
			fmt.Fprintf(t, "%d\t%s\t%s\n", r.Index, r.Rule, r.TxHash.Hex())
		}
		t.Flush()
	}

	fmt.Fprintln(w)
	if rep.Failure != nil {
		f := rep.Failure
		fmt.Fprintf(w, "%s %s phase", colorRed("✗ Failed"), f.Phase)
		if f.Subject != "" {
			fmt.Fprintf(w, " at %s", f.Subject)
		}
		fmt.Fprintf(w, " (%s)\n", f.Category)
		if f.Retryable {
			fmt.Fprintf(w, "  %s rerun with the deployed components in skip\n", colorYellow("hint:"))
		}
		return nil
	}
	fmt.Fprintf(w, "%s run %s\n", colorGreen("✓ Completed"), rep.RunID)
	if rep.Published != nil {
		fmt.Fprintf(w, "  published to %s\n", rep.Published.Dest)
	}
	return nil
}
