package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Long: `Print the configuration after merging defaults, the config file,
environment and flags. Account keys and the journal DSN are never printed.`,
	RunE: runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, rt.cfg)
	}

	if used := v.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "Config file: %s\n\n", used)
	}
	c := rt.cfg
	t := newTable(w)
	printTableHeader(t, "KEY", "VALUE")
	rows := [][2]string{
		{"endpoint", c.Endpoint()},
		{"chain_id", fmt.Sprint(c.ChainID)},
		{"manifest", orDefault(c.Manifest, "(built-in)")},
		{"contracts_dir", c.ContractsDir},
		{"build_dir", c.BuildDir},
		{"address_book", c.AddressBook},
		{"skip", fmt.Sprint(c.Skip)},
		{"publish_dir", orDefault(c.PublishDir, "(disabled)")},
		{"fee_mode", c.FeeMode},
		{"gas_buffer_percent", fmt.Sprint(c.GasBufferPercent)},
		{"confirm_timeout", c.ConfirmTimeout.String()},
		{"owner_account_key", redacted(c.OwnerAccountKey)},
		{"admin_account_key", redacted(c.AdminAccountKey)},
		{"manager_account_key", redacted(c.ManagerAccountKey)},
		{"journal", redacted(c.JournalDSN)},
		{"redis_addr", orDefault(c.RedisAddr, "(disabled)")},
		{"metrics_file", orDefault(c.MetricsFile, "(disabled)")},
	}
	for _, r := range rows {
		fmt.Fprintf(t, "%s\t%s\n", r[0], r[1])
	}
	return t.Flush()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func redacted(secret string) string {
	if secret == "" {
		return colorYellow("(not set)")
	}
	return "(set)"
}
