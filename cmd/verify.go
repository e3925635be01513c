package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/provisioner/internal/addressbook"
	"github.com/Bidon15/popsigner/provisioner/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every recorded address holds code",
	Long: `Fetch the code at every address in the address book in one batched
request and fail if any address is empty.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	book, err := addressbook.Load(rt.cfg.AddressBook)
	if err != nil {
		return err
	}

	client, err := verify.Dial(rt.cfg.Endpoint())
	if err != nil {
		return err
	}
	defer client.Close()

	report, verr := verify.New(client, rt.logger).Verify(cmd.Context(), book)
	if report == nil {
		return verr
	}

	w := cmd.OutOrStdout()
	if jsonOut {
		if err := printJSON(w, report); err != nil {
			return err
		}
		return verr
	}

	t := newTable(w)
	printTableHeader(t, "COMPONENT", "ADDRESS", "CODE", "STATUS")
	for _, e := range report.Entries {
		status := colorGreen("ok")
		if !e.OK {
			status = colorRed("missing")
		}
		fmt.Fprintf(t, "%s\t%s\t%d\t%s\n", e.Name, e.Address.Hex(), e.CodeSize, status)
	}
	t.Flush()
	return verr
}
