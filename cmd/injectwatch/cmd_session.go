package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/injectwatch/internal/state"
	"github.com/user/injectwatch/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd)

	sessionShowCmd.Flags().Int("events", 0, "also print the last N events")
	sessionShowCmd.Flags().Bool("json", false, "print the summary as JSON")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect recorded sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		list, err := st.sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROFILE\tSTATUS\tPHASE\tREASON\tEVENTS\tCREATED")
		for _, s := range list {
			count, err := st.events.Count(ctx, s.SessionID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.Profile,
				s.Status,
				s.Phase,
				s.Reason,
				count,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStores(loadConfig())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		id := types.SessionID(args[0])
		summary, err := st.summaries.Get(ctx, id)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("no summary for session %s (still running or unknown)", id)
		}
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		if err := printSummary(summary); err != nil {
			return err
		}

		n, _ := cmd.Flags().GetInt("events")
		if n <= 0 {
			return nil
		}
		events, err := st.events.Tail(ctx, id, n)
		if err != nil {
			return fmt.Errorf("tail events: %w", err)
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tAT\tTYPE\tFRAME")
		for _, e := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", e.Seq, e.At.Format("15:04:05.000"), e.Type, e.FrameID)
		}
		return w.Flush()
	},
}

func printSummary(s *types.SessionSummary) error {
	fmt.Printf("Session:  %s\n", s.SessionID)
	fmt.Printf("Profile:  %s (site %s)\n", s.Profile.Name, s.Profile.ExpectedSite)
	fmt.Printf("Started:  %s\n", s.StartedAt.Format("2006-01-02 15:04:05"))
	if s.Outcome != nil {
		fmt.Printf("Outcome:  %s (%s)\n", s.Outcome.Phase, s.Outcome.Reason)
	}
	fmt.Printf("Frames:   %d (%d degraded, %d invalid)\n", s.Stats.Frames, s.Stats.DegradedFrames, s.Stats.InvalidFrames)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tENTERED\tTRIGGER")
	for _, p := range s.Transitions {
		trigger := string(p.Trigger)
		if p.Reason != "" {
			trigger = p.Reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Phase, p.EnteredAt.Format("15:04:05.000"), trigger)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(s.Alerts) == 0 {
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ALERT\tSEVERITY\tEMITTED\tSUPPRESSED\tEXPIRED")
	for _, a := range s.Alerts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", a.Key, a.Severity, a.Emitted, a.Suppressed, a.Expired)
	}
	return w.Flush()
}
