package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mxarchive/internal/model"
	"github.com/roach88/mxarchive/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Runs int
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archived rooms, cursors and recent runs",
		Long: `Show what the archive holds without contacting the homeserver.

For every archived room the event count, media counts and history cursor are
listed, followed by the most recent archival passes.

Example:
  mxarchive status
  mxarchive status --runs 5 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Runs, "runs", 10, "number of recent runs to show")

	return cmd
}

// roomStatus is one room's archive state.
type roomStatus struct {
	model.RoomRef
	Events        int64             `json:"events"`
	Media         store.MediaCounts `json:"media"`
	EventsCursor  *model.Cursor     `json:"events_cursor,omitempty"`
	MembersCursor *model.Cursor     `json:"members_cursor,omitempty"`
}

// statusReport is the output of the status command.
type statusReport struct {
	Database      string        `json:"database"`
	SchemaVersion int           `json:"schema_version"`
	Rooms         []roomStatus  `json:"rooms"`
	Devices       *model.Cursor `json:"devices_cursor,omitempty"`
	Runs          []model.Run   `json:"runs"`
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	sess, err := openArchive(opts.RootOptions)
	if err != nil {
		return err
	}
	defer sess.Close()
	st := sess.store

	rooms, err := st.ListRooms(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to list rooms", err)
	}
	cursors, err := st.ListCursors(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to list cursors", err)
	}
	byKey := make(map[string]*model.Cursor, len(cursors))
	for i := range cursors {
		c := &cursors[i]
		byKey[string(c.Scope)+"|"+c.Entity] = c
	}

	report := statusReport{
		Database:      opts.Config.Database,
		SchemaVersion: model.SchemaVersion,
		Rooms:         make([]roomStatus, 0, len(rooms)),
	}
	for _, r := range rooms {
		rs := roomStatus{
			RoomRef:       r,
			EventsCursor:  byKey[string(model.ScopeEvents)+"|"+r.ID],
			MembersCursor: byKey[string(model.ScopeMembers)+"|"+r.ID],
		}
		if rs.Events, err = st.CountEvents(ctx, r.ID); err != nil {
			return out.Fail(ExitCommandError, "failed to count events", err)
		}
		if rs.Media, err = st.CountMedia(ctx, r.ID); err != nil {
			return out.Fail(ExitCommandError, "failed to count media", err)
		}
		report.Rooms = append(report.Rooms, rs)
	}
	for i := range cursors {
		if cursors[i].Scope == model.ScopeDevices {
			report.Devices = &cursors[i]
			break
		}
	}
	if report.Runs, err = st.ListRuns(ctx, opts.Runs); err != nil {
		return out.Fail(ExitCommandError, "failed to list runs", err)
	}

	return out.Success(report)
}

func (r statusReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "Archive %s (schema v%d)\n\n", r.Database, r.SchemaVersion)

	if len(r.Rooms) == 0 {
		fmt.Fprintln(w, "No rooms archived yet.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROOM\tNAME\tEVENTS\tMEDIA\tCURSOR\tUPDATED")
		for _, rs := range r.Rooms {
			state, updated := "never_synced", "-"
			if c := rs.EventsCursor; c != nil {
				state = fmt.Sprintf("%s@%d", c.State, c.Position)
				updated = c.UpdatedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
				rs.ID, rs.DisplayName(), rs.Events,
				rs.Media.Materialized, rs.Media.Materialized+rs.Media.Referenced,
				state, updated)
		}
		tw.Flush()
	}

	if r.Devices != nil {
		fmt.Fprintf(w, "\nDevices: revision %d, updated %s\n", r.Devices.Position, r.Devices.UpdatedAt.Format(time.RFC3339))
	}

	if len(r.Runs) > 0 {
		fmt.Fprintln(w, "\nRecent runs:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tOK\tFAILED")
		for _, run := range r.Runs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", run.ID, run.StartedAt.Format(time.RFC3339), run.RoomsOK, run.RoomsFailed)
		}
		tw.Flush()
	}
}
