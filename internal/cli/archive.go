package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mxarchive/internal/archiver"
	"github.com/roach88/mxarchive/internal/metrics"
)

// ArchiveOptions holds flags for the archive command.
type ArchiveOptions struct {
	*RootOptions
	SkipMedia   bool
	MaxPages    int
	Rooms       []string
	Pushgateway string

	// IDs overrides run ID generation (for testing).
	IDs archiver.IDGenerator
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Run one incremental archival pass",
		Long: `Run one archival pass over every joined room.

Each room's membership is reconciled, new events are fetched forward from the
room's cursor, and referenced media is downloaded. Rooms are isolated: one
room failing does not stop the others, and the next pass resumes exactly
where this one committed.

Exit status is 0 when every room succeeded, 1 when some rooms failed or the
pass was interrupted, and 2 on configuration errors.

Example:
  mxarchive archive
  mxarchive archive --room '!abc:example.org' --skip-media
  mxarchive archive --pushgateway http://localhost:9091`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipMedia, "skip-media", false, "record media references without downloading bytes")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "event pages per room per pass (0 uses config)")
	cmd.Flags().StringSliceVar(&opts.Rooms, "room", nil, "archive only these room IDs (repeatable)")
	cmd.Flags().StringVar(&opts.Pushgateway, "pushgateway", "", "push metrics to this Prometheus Pushgateway after the pass")

	return cmd
}

func runArchive(cmd *cobra.Command, opts *ArchiveOptions) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	sess, err := openArchive(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			sess.log.Error("error closing session", "error", err)
		}
	}()
	if err := sess.openBlobs(ctx); err != nil {
		return err
	}
	if err := sess.connect(ctx); err != nil {
		return err
	}

	var options []archiver.OrchestratorOption
	if opts.IDs != nil {
		options = append(options, archiver.WithIDGenerator(opts.IDs))
	}
	orch := sess.orchestrator(passOptions{
		SkipMedia: opts.SkipMedia,
		MaxPages:  opts.MaxPages,
		Rooms:     opts.Rooms,
	}, options...)

	sum, err := orch.Run(ctx)
	if opts.Pushgateway != "" {
		if perr := metrics.Push(opts.Pushgateway, "mxarchive"); perr != nil {
			sess.log.Warn("metrics push failed", "error", perr)
		}
	}
	if err != nil {
		return out.Fail(ExitFailure, "archive pass could not start", err)
	}

	if err := out.Success(passReport{sum}); err != nil {
		return err
	}
	switch {
	case sum.Cancelled:
		return NewExitError(ExitFailure, "archive pass interrupted")
	case !sum.OK():
		return NewExitError(ExitFailure, fmt.Sprintf("%d room(s) failed", len(sum.Failures())))
	}
	return nil
}

// passReport is the printable form of an archival pass summary.
type passReport struct {
	archiver.Summary
}

func (r passReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "Run %s finished in %s\n", r.RunID, r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  rooms:     %d ok, %d failed, %d skipped\n", r.RoomsOK, r.RoomsFailed, r.RoomsSkipped)
	fmt.Fprintf(w, "  events:    %d archived, %d duplicates\n", r.EventsArchived, r.Duplicates)
	fmt.Fprintf(w, "  snapshots: %d recorded, %d device changes\n", r.SnapshotsRecorded, r.DevicesChanged)
	fmt.Fprintf(w, "  media:     %d materialized, %d failed\n", r.MediaMaterialized, r.MediaFailed)
	if r.Cancelled {
		fmt.Fprintln(w, "  interrupted before all rooms were processed")
	}
	for _, e := range r.Errors {
		room := e.RoomID
		if room == "" {
			room = "-"
		}
		fmt.Fprintf(w, "  FAIL %s [%s] %s\n", room, e.Code, e.Message)
	}
}
