package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"triangulum/internal/storage"
)

// =============================================================================
// OFFLINE INSPECTION
// =============================================================================

var inspectLimit int

// inspectCmd reads the state directory without a running instance
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read the event log and snapshots offline",
	Long: `Reads state_dir directly. Safe to run next to a live instance; nothing
is written to the log.

Subcommands:
  wal        - Decode every valid log frame and report a torn tail
  snapshots  - List snapshots and whether each verifies
  recovery   - Show the state a restart would rebuild`,
}

var inspectWALCmd = &cobra.Command{
	Use:   "wal",
	Short: "Decode the event log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectWAL(cmd.OutOrStdout(), cfg.LogPath(), inspectLimit)
	},
}

var inspectSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectSnapshots(cmd.OutOrStdout(), cfg.SnapshotDir())
	},
}

var inspectRecoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Show the state a restart would rebuild",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectRecovery(cmd.OutOrStdout(), cfg.LogPath(), cfg.SnapshotDir())
	},
}

func init() {
	inspectWALCmd.Flags().IntVarP(&inspectLimit, "limit", "n", 0, "Show only the last N events (0 = all)")

	inspectCmd.AddCommand(inspectWALCmd)
	inspectCmd.AddCommand(inspectSnapshotsCmd)
	inspectCmd.AddCommand(inspectRecoveryCmd)
}

func stampTime(ts int64) string {
	return time.Unix(0, ts).Local().Format("2006-01-02 15:04:05.000")
}

func describeEvent(ev storage.Event) string {
	switch ev.Type {
	case storage.EventSubmitted:
		var p storage.SubmittedPayload
		if err := ev.Decode(&p); err != nil {
			return "undecodable: " + err.Error()
		}
		if p.Requeued {
			return fmt.Sprintf("%s requeued", p.Ticket)
		}
		return fmt.Sprintf("%s %q", p.Ticket, truncate(p.Ticket.Description, 40))
	case storage.EventLaunched:
		var p storage.LaunchedPayload
		if err := ev.Decode(&p); err != nil {
			return "undecodable: " + err.Error()
		}
		return fmt.Sprintf("%s session %s", p.Ticket, p.SessionID)
	case storage.EventCompleted:
		var p storage.CompletedPayload
		if err := ev.Decode(&p); err != nil {
			return "undecodable: " + err.Error()
		}
		s := fmt.Sprintf("ticket(%s) session %s %s", p.TicketID, p.SessionID, statusStyle(p.Status).Render(string(p.Status)))
		if p.Reason != "" {
			s += ": " + truncate(p.Reason, 40)
		}
		return s
	default:
		return string(ev.Payload)
	}
}

func inspectWAL(w io.Writer, path string, limit int) error {
	rep, err := storage.InspectLog(path)
	if err != nil {
		return err
	}

	printTitle(w, "Event log")
	printField(w, "path", path)
	printField(w, "events", len(rep.Events))
	printField(w, "bytes", fmt.Sprintf("%d valid of %d", rep.Valid, rep.Size))
	if rep.StopErr != nil {
		printField(w, "tail", errorStyle.Render(fmt.Sprintf("%d bytes ignored: %v", rep.Size-rep.Valid, rep.StopErr)))
	}
	fmt.Fprintln(w)

	events := rep.Events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{strconv.FormatInt(ev.Timestamp, 10), stampTime(ev.Timestamp), string(ev.Type), describeEvent(ev)})
	}
	renderTable(w, "log is empty", []string{"STAMP", "TIME", "TYPE", "DETAIL"}, rows)
	return nil
}

func inspectSnapshots(w io.Writer, dir string) error {
	snaps, err := storage.OpenSnapshotStore(dir, nil)
	if err != nil {
		return err
	}
	ids, err := snaps.IDs()
	if err != nil {
		return err
	}

	printTitle(w, "Snapshots")
	printField(w, "dir", dir)
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		state, err := snaps.Restore(id)
		if err != nil {
			rows = append(rows, []string{strconv.FormatInt(id, 10), stampTime(id), "-", "-", errorStyle.Render("corrupt")})
			continue
		}
		rows = append(rows, []string{
			strconv.FormatInt(id, 10),
			stampTime(id),
			strconv.Itoa(len(state.Pending)),
			strconv.Itoa(len(state.InFlight)),
			"ok",
		})
	}
	renderTable(w, "no snapshots", []string{"ID", "TIME", "PENDING", "IN FLIGHT", "CHECK"}, rows)
	return nil
}

func inspectRecovery(w io.Writer, logPath, snapDir string) error {
	snaps, err := storage.OpenSnapshotStore(snapDir, nil)
	if err != nil {
		return err
	}
	rec, err := storage.Recover(storage.LogFile(logPath), snaps)
	if err != nil {
		return err
	}

	printTitle(w, "Recovery preview")
	if rec.SnapshotID != 0 {
		printField(w, "snapshot", fmt.Sprintf("%d (%s)", rec.SnapshotID, stampTime(rec.SnapshotID)))
	} else {
		printField(w, "snapshot", "none, full replay")
	}
	printField(w, "replayed", rec.Replayed)
	printField(w, "skipped", rec.Skipped)
	printField(w, "pending", len(rec.State.Pending))
	printField(w, "in flight", fmt.Sprintf("%d (requeued on start)", len(rec.State.InFlight)))
	fmt.Fprintln(w)

	state := rec.State.Clone()
	state.RequeueInFlight()
	rows := make([][]string, 0, len(state.Pending))
	for _, t := range state.Pending {
		rows = append(rows, []string{t.ID, strconv.Itoa(t.Severity), t.ArrivalTime.Local().Format(time.DateTime), truncate(t.Description, 48)})
	}
	renderTable(w, "nothing to restore", []string{"ID", "SEV", "ARRIVED", "DESCRIPTION"}, rows)
	return nil
}
