package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/gefbiotag/biotag/internal/engine"
	"github.com/gefbiotag/biotag/internal/schema"
	"github.com/gefbiotag/biotag/internal/ui"
)

var registerCmd = &cobra.Command{
	Use:     "register",
	GroupID: "records",
	Short:   "Register a person at a shelter",
	Long: `Register a person at a shelter.

Without --name an interactive form is shown. The record is saved locally
first and pushed to the records service when it is reachable.

Examples:
  biotag register
  biotag register --name "Maria Silva" --shelter shelter-1 --family Silva --tag TAG-001
  biotag register --name "João Souza" --shelter shelter-2 --bpm 88`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		c := schema.Candidate{}
		c.Name, _ = cmd.Flags().GetString("name")
		c.ShelterID, _ = cmd.Flags().GetString("shelter")
		c.FamilyGroup, _ = cmd.Flags().GetString("family")
		c.Address, _ = cmd.Flags().GetString("address")
		c.Notes, _ = cmd.Flags().GetString("notes")
		c.TagID, _ = cmd.Flags().GetString("tag")
		bpm, _ := cmd.Flags().GetInt("bpm")

		if c.Name == "" {
			if !ui.IsTerminal() {
				fmt.Fprintf(os.Stderr, "Error: --name is required when not running in a terminal\n")
				os.Exit(2)
			}
			var err error
			c, bpm, err = registrationForm(app.Engine.Shelters())
			exitOn(err, "reading form")
		}

		if _, ok := app.Engine.Shelters().Get(c.ShelterID); !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown shelter %q (see 'biotag shelters')\n", c.ShelterID)
			os.Exit(2)
		}
		if bpm > 0 {
			c.Vital = schema.VitalSign{BPM: bpm, CapturedAt: time.Now()}
		}

		rec, err := app.Engine.Register(ctx, c)
		exitOn(err, "registering")

		if jsonOutput {
			printJSON(rec)
			return
		}
		fmt.Printf("%s Registered %s as %s\n", ui.RenderPass("✓"), rec.Name, ui.RenderAccent(rec.ID))
		fmt.Printf("   Shelter: %s\n", rec.ShelterID)
		fmt.Printf("   State: %s\n", ui.RenderSyncState(rec.SyncState))
	},
}

// registrationForm asks for a candidate interactively.
func registrationForm(shelters *schema.Catalog) (schema.Candidate, int, error) {
	var (
		c       schema.Candidate
		bpmText string
	)

	options := make([]huh.Option[string], 0, shelters.Len())
	for _, s := range shelters.List() {
		options = append(options, huh.NewOption(fmt.Sprintf("%s (%s)", s.Name, s.ID), s.ID))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Full name").Value(&c.Name).Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("name is required")
				}
				return nil
			}),
			huh.NewSelect[string]().Title("Shelter").Options(options...).Value(&c.ShelterID),
			huh.NewInput().Title("Family group").Value(&c.FamilyGroup),
			huh.NewInput().Title("Address").Value(&c.Address),
		),
		huh.NewGroup(
			huh.NewInput().Title("Tag id").Value(&c.TagID),
			huh.NewInput().Title("Heart rate (bpm)").Placeholder("leave empty if unknown").Value(&bpmText).Validate(validateBPMText),
			huh.NewText().Title("Notes").Value(&c.Notes),
		),
	)
	if err := form.Run(); err != nil {
		return c, 0, err
	}

	bpm := 0
	if bpmText != "" {
		bpm, _ = strconv.Atoi(bpmText)
	}
	return c, bpm, nil
}

func validateBPMText(s string) error {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > schema.MaxBPM {
		return fmt.Errorf("enter a number between 0 and %d", schema.MaxBPM)
	}
	return nil
}

var vitalsCmd = &cobra.Command{
	Use:     "vitals <id|tag> <bpm>",
	GroupID: "records",
	Short:   "Record a heart-rate reading",
	Long: `Record a heart-rate reading for a person, identified by record id or tag id.

--at accepts natural language relative to now.

Examples:
  biotag vitals p-6f1c 92
  biotag vitals TAG-001 130 --at "10 minutes ago"`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		bpm, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: bpm must be a number\n")
			os.Exit(2)
		}

		at := time.Time{}
		if text, _ := cmd.Flags().GetString("at"); text != "" {
			at, err = parseWhen(text, time.Now())
			exitOn(err, "parsing --at")
		}

		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		rec, err := resolveRecord(app.Engine, args[0])
		exitOn(err, "finding record")

		rec, err = app.Engine.UpdateVitalSign(ctx, rec.ID, bpm, at)
		exitOn(err, "updating vital sign")

		if jsonOutput {
			printJSON(rec)
			return
		}
		fmt.Printf("%s %s: %s (%s)\n", ui.RenderPass("✓"), rec.Name, ui.RenderHeartRate(rec.Vital), rec.Vital.Status())
		fmt.Printf("   State: %s\n", ui.RenderSyncState(rec.SyncState))
	},
}

// parseWhen reads a human time expression such as "10 minutes ago".
func parseWhen(text string, base time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("no time found in %q", text)
	}
	return r.Time, nil
}

// resolveRecord finds a record by id, falling back to tag id.
func resolveRecord(eng *engine.Engine, ref string) (schema.Record, error) {
	rec, err := eng.GetByID(ref)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return rec, err
	}
	return eng.GetByTag(ref)
}

var editCmd = &cobra.Command{
	Use:     "edit <id|tag>",
	GroupID: "records",
	Short:   "Edit a record",
	Long: `Edit the mutable fields of a record. Only the flags given are changed.

Examples:
  biotag edit p-6f1c --shelter shelter-3
  biotag edit TAG-001 --notes "insulin at 18h" --family Silva`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		rec, err := resolveRecord(app.Engine, args[0])
		exitOn(err, "finding record")

		changed := false
		for flag, field := range map[string]*string{
			"name":    &rec.Name,
			"shelter": &rec.ShelterID,
			"family":  &rec.FamilyGroup,
			"address": &rec.Address,
			"notes":   &rec.Notes,
			"tag":     &rec.TagID,
		} {
			if cmd.Flags().Changed(flag) {
				*field, _ = cmd.Flags().GetString(flag)
				changed = true
			}
		}
		if !changed {
			fmt.Fprintf(os.Stderr, "Error: nothing to change (see 'biotag edit --help')\n")
			os.Exit(2)
		}
		if _, ok := app.Engine.Shelters().Get(rec.ShelterID); !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown shelter %q\n", rec.ShelterID)
			os.Exit(2)
		}

		rec, err = app.Engine.UpdateRecord(ctx, rec)
		exitOn(err, "updating record")

		if jsonOutput {
			printJSON(rec)
			return
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), ui.RenderAccent(rec.ID))
		fmt.Printf("   State: %s\n", ui.RenderSyncState(rec.SyncState))
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <id|tag>",
	Aliases: []string{"rm"},
	GroupID: "records",
	Short:   "Remove a record",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		rec, err := resolveRecord(app.Engine, args[0])
		exitOn(err, "finding record")

		if force, _ := cmd.Flags().GetBool("force"); !force && ui.IsTerminal() {
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Remove %s (%s)?", rec.Name, rec.ID)).
				Value(&confirmed).
				Run()
			exitOn(err, "reading confirmation")
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		exitOn(app.Engine.Remove(ctx, rec.ID), "removing record")

		if jsonOutput {
			printJSON(map[string]any{"removed": rec.ID, "pending_deletes": app.Engine.PendingDeletes()})
			return
		}
		fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), rec.ID)
		if n := app.Engine.PendingDeletes(); n > 0 {
			fmt.Printf("   %s %d remote deletion(s) will be retried on the next sync\n", ui.RenderWarn("⚠"), n)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "records",
	Short:   "List records",
	Long: `List records, optionally filtered.

Examples:
  biotag list --shelter shelter-1
  biotag list --status critical
  biotag list --pending
  biotag list --search silva`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		f := schema.Filter{}
		f.ShelterID, _ = cmd.Flags().GetString("shelter")
		f.FamilyGroup, _ = cmd.Flags().GetString("family")
		f.PendingOnly, _ = cmd.Flags().GetBool("pending")
		f.Query, _ = cmd.Flags().GetString("search")
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			status, ok := schema.ParseHeartRateStatus(s)
			if !ok {
				fmt.Fprintf(os.Stderr, "Error: --status must be normal, warning, critical or unknown\n")
				os.Exit(2)
			}
			f.Status = status
		}

		records := app.Engine.Find(f)
		if jsonOutput {
			if records == nil {
				records = []schema.Record{}
			}
			printJSON(records)
			return
		}
		if len(records) == 0 {
			fmt.Println("No records found")
			return
		}

		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{r.ID, r.Name, r.ShelterID, r.FamilyGroup, ui.RenderHeartRate(r.Vital), ui.RenderSyncState(r.SyncState)})
		}
		fmt.Print(ui.Table([]string{"ID", "NAME", "SHELTER", "FAMILY", "HEART RATE", "STATE"}, rows))
		fmt.Printf("\n%d record(s)\n", len(records))
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id|tag>",
	GroupID: "records",
	Short:   "Show one record",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()
		app := mustOpenApp(ctx)
		defer app.Close()

		rec, err := resolveRecord(app.Engine, args[0])
		exitOn(err, "finding record")

		if jsonOutput {
			printJSON(rec)
			return
		}

		shelter := rec.ShelterID
		if s, ok := app.Engine.Shelters().Get(rec.ShelterID); ok {
			shelter = fmt.Sprintf("%s (%s)", s.Name, s.ID)
		}

		fmt.Printf("\n%s %s\n\n", ui.RenderAccent(rec.ID), rec.Name)
		fmt.Printf("Shelter:    %s\n", shelter)
		printIf("Family:     %s\n", rec.FamilyGroup)
		printIf("Address:    %s\n", rec.Address)
		if rec.Location != nil {
			fmt.Printf("Location:   %.5f, %.5f\n", rec.Location.Latitude, rec.Location.Longitude)
		}
		printIf("Tag:        %s\n", rec.TagID)
		fmt.Printf("Heart rate: %s", ui.RenderHeartRate(rec.Vital))
		if !rec.Vital.IsZero() {
			fmt.Printf(" (%s, %s)", rec.Vital.Status(), rec.Vital.CapturedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Println()
		printIf("Notes:      %s\n", rec.Notes)
		fmt.Printf("Created:    %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:    %s\n", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("State:      %s\n\n", ui.RenderSyncState(rec.SyncState))
	},
}

func printIf(format, value string) {
	if value != "" {
		fmt.Printf(format, value)
	}
}

func init() {
	registerCmd.Flags().String("name", "", "Full name")
	registerCmd.Flags().String("shelter", "", "Shelter id")
	registerCmd.Flags().String("family", "", "Family group")
	registerCmd.Flags().String("address", "", "Home address")
	registerCmd.Flags().String("notes", "", "Free-form notes")
	registerCmd.Flags().String("tag", "", "Wearable tag id")
	registerCmd.Flags().Int("bpm", 0, "Heart rate at registration")

	vitalsCmd.Flags().String("at", "", `When the reading was taken (e.g. "10 minutes ago", RFC 3339)`)

	editCmd.Flags().String("name", "", "Full name")
	editCmd.Flags().String("shelter", "", "Shelter id")
	editCmd.Flags().String("family", "", "Family group")
	editCmd.Flags().String("address", "", "Home address")
	editCmd.Flags().String("notes", "", "Free-form notes")
	editCmd.Flags().String("tag", "", "Wearable tag id")

	removeCmd.Flags().BoolP("force", "f", false, "Do not ask for confirmation")

	listCmd.Flags().String("shelter", "", "Only this shelter")
	listCmd.Flags().String("family", "", "Only this family group")
	listCmd.Flags().String("status", "", "Only this heart-rate status (normal, warning, critical, unknown)")
	listCmd.Flags().Bool("pending", false, "Only records not yet synced")
	listCmd.Flags().StringP("search", "s", "", "Match name, address or tag")

	rootCmd.AddCommand(registerCmd, vitalsCmd, editCmd, removeCmd, listCmd, showCmd)
}
