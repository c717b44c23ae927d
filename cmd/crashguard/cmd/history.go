package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/crashguard/internal/identity"
	"github.com/psantana5/crashguard/internal/namedlock"
	"github.com/psantana5/crashguard/internal/observe"
	"github.com/psantana5/crashguard/internal/state"
)

var (
	statePath    string
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the persisted crash history",
	Long: `history prints the crash history written by a supervisor running with
state_path set, newest first, together with the lifetime totals.

Example:
  crashguard history --state /var/lib/myapp/crashguard.json
  crashguard history --limit 5 --json`,
	RunE: showHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&statePath, "state", "", "crash history file (default from state_path)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of records to show, 0 for all")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output as JSON")
}

func showHistory(cmd *cobra.Command, _ []string) error {
	path := statePath
	if path == "" {
		path = cfg.StatePath
	}
	if path == "" {
		return errors.New("no crash history configured: set state_path or pass --state")
	}

	m := state.NewManager(path)
	if err := m.Load(); err != nil {
		return err
	}
	st := m.Snapshot()
	out := cmd.OutOrStdout()

	records := st.Crashes
	if historyLimit > 0 && len(records) > historyLimit {
		records = records[len(records)-historyLimit:]
	}

	if historyJSON {
		st.Crashes = records
		output, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	fmt.Fprintf(out, "Identity:   %s\n", valueOr(st.Identity, "-"))
	fmt.Fprintf(out, "Supervisor: %s\n", supervisorStatus(st))
	fmt.Fprintf(out, "Launches: %d  Crashes: %d  Anomalous exits: %d  Supervisor runs: %d\n\n",
		st.Statistics.Launches, st.Statistics.Crashes, st.Statistics.AnomalousExits, st.Statistics.SupervisorRuns)

	if len(records) == 0 {
		fmt.Fprintln(out, "No crashes recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Time", "Launch", "PID", "Reason", "Exit", "Signal", "Crash", "Snapshot", "Runtime")
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		snap := valueOr(r.Snapshot, "-")
		if r.SnapshotError != "" {
			snap = "failed: " + r.SnapshotError
		}
		table.Append(
			r.Time.Local().Format(time.DateTime),
			fmt.Sprint(r.Launch),
			fmt.Sprint(r.PID),
			r.Reason,
			fmt.Sprint(r.ExitCode),
			valueOr(r.Signal, "-"),
			valueOr(r.CrashReason, "-"),
			snap,
			r.Runtime.Round(time.Millisecond).String(),
		)
	}
	table.Render()
	fmt.Fprintf(out, "\nShowing %d of %d records\n", len(records), len(st.Crashes))
	return nil
}

// supervisorStatus prefers the owner recorded in the primary lock file, read
// without taking the lock so a supervisor starting meanwhile is never
// displaced. The pid in the history is only a hint because pids are reused.
func supervisorStatus(st state.State) string {
	sup := st.Supervisor
	if sup.PID == 0 {
		return "never started"
	}

	if id, err := identity.FromKey(st.Identity); err == nil {
		dir := cfg.RunDir
		if dir == "" {
			dir = namedlock.DefaultDir()
		}
		if owner, err := namedlock.Owner(dir, id.PrimaryLockName()); err == nil && owner == sup.PID && observe.New(owner).Exists() {
			return fmt.Sprintf("running (pid %d, since %s)", sup.PID, sup.StartedAt.Local().Format(time.DateTime))
		}
	}

	if sup.StoppedAt.IsZero() && observe.New(sup.PID).Exists() {
		return fmt.Sprintf("pid %d alive but not holding the lock", sup.PID)
	}
	if sup.StoppedAt.IsZero() {
		return fmt.Sprintf("pid %d ended without a clean stop", sup.PID)
	}
	return fmt.Sprintf("stopped at %s", sup.StoppedAt.Local().Format(time.DateTime))
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
