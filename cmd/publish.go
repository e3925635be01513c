package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/popsigner/provisioner/internal/config"
	"github.com/Bidon15/popsigner/provisioner/internal/publish"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Export artifacts and the address book",
	Long: `Copy the ABI and bytecode directories and the address book to publish_dir
as one unit. With publish_bundle set, a provisioner-bundle.tar.zst archive is
written alongside.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().String("dest", "", "destination directory (overrides publish_dir)")
	publishCmd.Flags().Bool("bundle", false, "also write a .tar.zst bundle")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	if dest, _ := cmd.Flags().GetString("dest"); dest != "" {
		rt.cfg.PublishDir = dest
	}
	if bundle, _ := cmd.Flags().GetBool("bundle"); bundle {
		rt.cfg.PublishBundle = true
	}
	opts := rt.publishOptions()
	if opts == nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, errors.New("publish_dir is not set"))
	}

	res, err := publish.Publish(*opts)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "%s %d files to %s\n", colorGreen("✓ Published"), len(res.Files), res.Dest)
	if res.Bundle != "" {
		fmt.Fprintf(w, "  bundle: %s\n", res.Bundle)
	}
	return nil
}
