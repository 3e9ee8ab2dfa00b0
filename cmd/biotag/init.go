package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/gefbiotag/biotag/internal/config"
	"github.com/gefbiotag/biotag/internal/schema"
	"github.com/gefbiotag/biotag/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "advanced",
	Short:   "Create a .biotag directory with starter configuration",
	Long: `Create the .biotag directory in the current directory with:

  config.yaml    store, remote service, daemon and logging settings
  shelters.toml  the shelter catalogue (reference shelters)
  inbox/         drop directory for tag readings

Existing files are left alone.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir := config.DefaultDir
		cfgPath := filepath.Join(dir, "config.yaml")
		if configPath != "" {
			cfgPath = configPath
		}
		sheltersPath := filepath.Join(dir, "shelters.toml")
		inbox := filepath.Join(dir, "inbox")

		if err := config.WriteDefault(cfgPath); err != nil {
			if _, statErr := os.Stat(cfgPath); statErr == nil {
				fmt.Printf("%s %s already exists, keeping it\n", ui.RenderWarn("⚠"), cfgPath)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else {
			fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), cfgPath)
		}

		if _, err := os.Stat(sheltersPath); err == nil {
			fmt.Printf("%s %s already exists, keeping it\n", ui.RenderWarn("⚠"), sheltersPath)
		} else {
			if err := schema.WriteShelters(sheltersPath, schema.DefaultShelters()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), sheltersPath)
		}

		if err := os.MkdirAll(inbox, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create inbox: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Inbox at %s\n", ui.RenderPass("✓"), inbox)

		fmt.Println("\nNext steps:")
		fmt.Printf("  set remote.base_url in %s (leave empty to work offline only)\n", cfgPath)
		fmt.Printf("  set shelters.file to %s to edit the shelter list\n", sheltersPath)
		fmt.Println("  biotag register")
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "advanced",
	Short:   "Delete every local record",
	Long: `Delete every local record and forget pending remote deletions.

The records service is not touched. Pending changes that were never
synchronized are lost.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		pending := app.Engine.PendingCount()
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			if !ui.IsTerminal() {
				fmt.Fprintf(os.Stderr, "Error: refusing to reset without --force when not in a terminal\n")
				os.Exit(2)
			}
			title := fmt.Sprintf("Delete %d local record(s)?", len(app.Engine.GetAll()))
			if pending > 0 {
				title = fmt.Sprintf("%s %d are not synchronized and will be lost.", title, pending)
			}
			confirmed := false
			err := huh.NewConfirm().Title(title).Affirmative("Delete").Negative("Cancel").Value(&confirmed).Run()
			exitOn(err, "reading confirmation")
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		exitOn(app.Engine.Reset(ctx), "resetting")

		if jsonOutput {
			printJSON(map[string]any{"reset": true, "lost_pending": pending})
			return
		}
		fmt.Printf("%s Local data cleared\n", ui.RenderPass("✓"))
		if pending > 0 {
			fmt.Printf("   %s %d unsynchronized change(s) discarded\n", ui.RenderWarn("⚠"), pending)
		}
	},
}

func init() {
	resetCmd.Flags().BoolP("force", "f", false, "Do not ask for confirmation")

	rootCmd.AddCommand(initCmd, resetCmd)
}
