package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/provisioner/internal/orchestrator"
	"github.com/Bidon15/popsigner/provisioner/internal/planner"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the deployment order and wiring plan",
	Long: `Validate the manifest, artifacts and address book and print what a deploy
would do. Nothing is sent to the node.`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

type planStep struct {
	Component string         `json:"component"`
	Action    planner.Action `json:"action"`
	Address   string         `json:"address,omitempty"`
}

type planRule struct {
	Index  int    `json:"index"`
	Rule   string `json:"rule"`
	Signer string `json:"signer"`
}

type planOutput struct {
	Steps  []planStep `json:"steps"`
	Wiring []planRule `json:"wiring"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	m, err := rt.manifest()
	if err != nil {
		return err
	}
	prep, err := orchestrator.New(orchestrator.Config{
		Manifest:        m,
		Store:           rt.store(),
		AddressBookPath: rt.cfg.AddressBook,
		Skip:            planner.NewSkipSet(rt.cfg.Skip...),
		Logger:          rt.logger,
	}).Prepare(cmd.Context())
	if err != nil {
		return err
	}

	out := buildPlanOutput(prep)
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	t := newTable(w)
	printTableHeader(t, "#", "COMPONENT", "ACTION", "ADDRESS")
	for i, s := range out.Steps {
		fmt.Fprintf(t, "%d\t%s\t%s\t%s\n", i+1, s.Component, s.Action, s.Address)
	}
	t.Flush()

	fmt.Fprintln(w)
	t = newTable(w)
	printTableHeader(t, "#", "RULE", "SIGNER")
	for _, r := range out.Wiring {
		fmt.Fprintf(t, "%d\t%s\t%s\n", r.Index, r.Rule, r.Signer)
	}
	return t.Flush()
}

func buildPlanOutput(prep *orchestrator.Prepared) planOutput {
	out := planOutput{Steps: []planStep{}, Wiring: []planRule{}}
	for _, s := range prep.Plan.Steps {
		ps := planStep{Component: s.Component.Name, Action: s.Action}
		if addr, ok := prep.Book.Get(s.Component.Name); ok && s.Action == planner.ActionReuse {
			ps.Address = addr.Hex()
		}
		out.Steps = append(out.Steps, ps)
	}

	for i, rule := range prep.Wiring.Rules() {
		out.Wiring = append(out.Wiring, planRule{
			Index:  i + 1,
			Rule:   rule.String(),
			Signer: string(rule.Signer()),
		})
	}
	return out
}
