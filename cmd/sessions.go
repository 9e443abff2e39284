package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/backdrop/internal/store"
	"github.com/andresmejia3/backdrop/internal/utils"
)

var (
	sessionsLimit int
	sessionsID    string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List past pipeline runs, or the recordings of one run",
	Run: func(cmd *cobra.Command, args []string) {
		if err := requireDB(); err != nil {
			utils.Die("Run history is unavailable", err, nil)
		}
		if sessionsID != "" {
			runListRecordings(cmd, sessionsID)
			return
		}
		runListSessions(cmd)
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to show")
	sessionsCmd.Flags().StringVar(&sessionsID, "recordings", "", "Show the recordings of this session ID")
	rootCmd.AddCommand(sessionsCmd)
}

func runListSessions(cmd *cobra.Command) {
	sessions, err := DB.ListSessions(cmd.Context(), sessionsLimit)
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tMODE\tSOURCE\tSTARTED\tDURATION\tFRAMES\tFAILURES\tRECORDINGS")
	fmt.Fprintln(w, "--\t----\t----\t------\t-------\t--------\t------\t--------\t----------")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.Kind, s.Mode, s.Source,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			sessionDuration(s),
			s.Frames, s.Failures, s.Recordings)
	}
	w.Flush()
}

func runListRecordings(cmd *cobra.Command, sessionID string) {
	recs, err := DB.ListRecordings(cmd.Context(), sessionID)
	if err != nil {
		utils.Die("Failed to list recordings", err, nil)
	}

	if len(recs) == 0 {
		fmt.Printf("No recordings found for session %s.\n", sessionID)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSIZE\tCHUNKS\tFRAMES\tSTARTED\tLENGTH")
	fmt.Fprintln(w, "--\t----\t----\t------\t------\t-------\t------")

	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.MimeType, r.Size, r.Chunks, r.Frames,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.StoppedAt.Sub(r.StartedAt).Round(time.Second))
	}
	w.Flush()
}

// sessionDuration renders "running" for sessions that never ended.
func sessionDuration(s store.Session) string {
	if s.EndedAt == nil {
		return "running"
	}
	return s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
}
