package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gefbiotag/biotag/internal/migrate"
	"github.com/gefbiotag/biotag/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "records",
	Short:   "Register people from a JSONL file",
	Long: `Register one person per line of a JSONL file. Each line is a candidate:

  {"name": "Maria Silva", "shelter_id": "shelter-1", "family_group": "Silva"}

Invalid lines are reported and skipped; the rest are registered.
Use - to read standard input.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			exitOn(err, "opening input")
			defer f.Close()
			r = f
		}
		candidates, err := migrate.ReadCandidatesJSONL(r)
		exitOn(err, "reading candidates")

		app := mustOpenApp(ctx)
		defer app.Close()

		res, err := migrate.Import(ctx, app.Engine, candidates)
		exitOn(err, "importing")

		if jsonOutput {
			printJSON(res)
			return
		}
		fmt.Printf("%s Imported %d of %d\n", ui.RenderPass("✓"), res.Imported, len(candidates))
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderFail("✗"), e)
		}
		if n := app.Engine.PendingCount(); n > 0 {
			fmt.Printf("   %d record(s) pending synchronization\n", n)
		}
		if res.Failed > 0 {
			os.Exit(1)
		}
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "records",
	Short:   "Write every record as JSONL or YAML",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		var w io.Writer = os.Stdout
		if out != "" && out != "-" {
			f, err := os.Create(out)
			exitOn(err, "creating output")
			defer f.Close()
			w = f
		}

		records := app.Engine.GetAll()
		exitOn(migrate.Export(w, records, format), "exporting")

		if w != os.Stdout {
			fmt.Fprintf(os.Stderr, "%s Exported %d record(s) to %s\n", ui.RenderPass("✓"), len(records), out)
		}
	},
}

func init() {
	exportCmd.Flags().String("format", migrate.FormatJSONL, "Output format (jsonl, yaml)")
	exportCmd.Flags().StringP("out", "o", "", "Output file (default stdout)")

	rootCmd.AddCommand(importCmd, exportCmd)
}
