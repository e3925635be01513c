// Package cmd implements the provisioner command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Bidon15/popsigner/provisioner/internal/config"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags
	cfgFile string
	jsonOut bool

	// v is rebuilt on every execution from defaults, file, env and flags.
	v = viper.New()
)

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"rpc-url":      "rpc_url",
	"manifest":     "manifest",
	"skip":         "skip",
	"address-book": "address_book",
	"build-dir":    "build_dir",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"log-file":     "log_file",
}

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Deploy and wire a contract graph",
	Long: `provisioner compiles a set of contracts, deploys them in dependency order,
records their addresses and runs the ordered wiring calls that connect them.

Configuration (in order of priority):
  1. Command-line flags (--rpc-url, --skip, ...)
  2. Environment variables (PROVISIONER_RPC_URL, PROVISIONER_SKIP, ...)
  3. Config file (./provisioner.yaml, or a legacy ./config.json)

Get started:
  $ provisioner plan          # Show what would be deployed
  $ provisioner preflight     # Check node and account balances
  $ provisioner deploy        # Compile, deploy, wire and publish`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "provisioner version %s\n", Version)
	},
}

// Execute runs the root command. An interrupt cancels the run between
// transactions; a transaction already sent is still confirmed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		printError(rootCmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}

// ExecuteWithArgs runs the root command with the provided arguments (for testing).
func ExecuteWithArgs(args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// SetOutput sets the output writer for the root command (for testing).
func SetOutput(w io.Writer) {
	rootCmd.SetOut(w)
	rootCmd.SetErr(w)
}

// ResetFlags restores every flag to its default (for testing).
func ResetFlags() {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./provisioner.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().String("rpc-url", "", "node RPC URL (overrides node_host/node_port)")
	rootCmd.PersistentFlags().String("manifest", "", "component manifest (default is the built-in graph)")
	rootCmd.PersistentFlags().StringSlice("skip", nil, "components whose recorded address is authoritative")
	rootCmd.PersistentFlags().String("address-book", "", "address book path")
	rootCmd.PersistentFlags().String("build-dir", "", "artifact directory")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json, pretty)")
	rootCmd.PersistentFlags().String("log-file", "", "also append logs to this file")

	rootCmd.AddCommand(versionCmd)
}

// initConfig initializes viper configuration.
func initConfig(cmd *cobra.Command, _ []string) error {
	v = viper.New()
	config.SetDefaults(v)

	flags := cmd.Root().PersistentFlags()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return config.ReadFile(v, cfgFile)
}

// Output helpers

// printJSON outputs data as formatted JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError prints an error message.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %s\n", colorRed("Error:"), err.Error())
}

// newTable creates a new tabwriter for formatted output.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// printTableHeader prints a bold header row.
func printTableHeader(w *tabwriter.Writer, columns ...string) {
	fmt.Fprintln(w, colorBold(strings.Join(columns, "\t")))
}

// Terminal colors

func colorRed(s string) string {
	if !isTTY() {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

func colorGreen(s string) string {
	if !isTTY() {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

func colorYellow(s string) string {
	if !isTTY() {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

func colorBold(s string) string {
	if !isTTY() {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

func isTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
