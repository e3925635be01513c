package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/provisioner/internal/preflight"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check the node and signing accounts",
	Long: `Check that the node is reachable, reports the configured chain id and that
every signing account has funds for gas.`,
	RunE: runPreflight,
}

func init() {
	rootCmd.AddCommand(preflightCmd)
}

func runPreflight(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	m, err := rt.manifest()
	if err != nil {
		return err
	}
	signers, err := rt.signers()
	if err != nil {
		return err
	}

	checker := preflight.NewChecker()
	resp, err := checker.RunChecks(cmd.Context(), preflightRequest(rt.cfg, m, signers))
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOut {
		if err := printJSON(w, resp); err != nil {
			return err
		}
	} else {
		t := newTable(w)
		printTableHeader(t, "CHECK", "SUBJECT", "RESULT", "MESSAGE")
		for _, c := range resp.Checks {
			result := colorGreen("pass")
			if !c.Passed {
				result = colorRed("fail")
			}
			fmt.Fprintf(t, "%s\t%s\t%s\t%s\n", c.Name, c.Subject, result, c.Message)
		}
		t.Flush()
	}

	if !resp.OK {
		return preflight.ErrChecksFailed
	}
	return nil
}
