package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/mxarchive/internal/model"
	"github.com/roach88/mxarchive/internal/store"
)

// NewMediaCommand creates the media command group.
func NewMediaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Inspect, export and retry archived media",
		Long: `Inspect archived media.

Media is recorded as "referenced" as soon as an event pointing at it is
archived, and becomes "materialized" once its bytes are downloaded and
verified. Failed downloads are retried on every pass, or explicitly with
"media retry".

Example:
  mxarchive media list '!abc:example.org'
  mxarchive media get mxc://example.org/abcdef -o cat.png
  mxarchive media retry`,
	}

	cmd.AddCommand(newMediaListCommand(rootOpts))
	cmd.AddCommand(newMediaGetCommand(rootOpts))
	cmd.AddCommand(newMediaRetryCommand(rootOpts))

	return cmd
}

// mediaReport lists one room's media with totals.
type mediaReport struct {
	RoomID string              `json:"room_id"`
	Counts store.MediaCounts   `json:"counts"`
	Media  []model.MediaObject `json:"media"`
}

func (r mediaReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s: %d materialized, %d referenced, %d bytes\n",
		r.RoomID, r.Counts.Materialized, r.Counts.Referenced, r.Counts.Bytes)
	if len(r.Media) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTENT\tSTATUS\tTYPE\tSIZE\tATTEMPTS\tERROR")
	for _, m := range r.Media {
		typ, size := m.ContentType, m.Size
		if m.Status != model.MediaMaterialized {
			typ, size = m.DeclaredType, m.DeclaredSize
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", m.ContentID, m.Status, typ, size, m.Attempts, m.LastError)
	}
	tw.Flush()
}

func newMediaListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <room-id>",
		Short: "List media referenced by a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			sess, err := openArchive(rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, room := cmd.Context(), args[0]
			report := mediaReport{RoomID: room}
			if report.Counts, err = sess.store.CountMedia(ctx, room); err != nil {
				return out.Fail(ExitCommandError, "failed to count media", err)
			}
			if report.Media, err = sess.store.ListMedia(ctx, room); err != nil {
				return out.Fail(ExitCommandError, "failed to list media", err)
			}
			return out.Success(report)
		},
	}
}

// MediaGetOptions holds flags for media get.
type MediaGetOptions struct {
	*RootOptions
	Output string
}

func newMediaGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MediaGetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <content-id>",
		Short: "Write materialized media bytes to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMediaGet(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")

	return cmd
}

func runMediaGet(cmd *cobra.Command, opts *MediaGetOptions, contentID string) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	sess, err := openArchive(opts.RootOptions)
	if err != nil {
		return err
	}
	defer sess.Close()

	obj, err := sess.store.ReadMedia(ctx, contentID)
	if errors.Is(err, store.ErrNotFound) {
		return out.Fail(ExitFailure, "media not in archive", err)
	}
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read media", err)
	}
	if obj.Status != model.MediaMaterialized {
		return out.Fail(ExitFailure, "media not materialized", errors.New(obj.LastError))
	}

	if err := sess.openBlobs(ctx); err != nil {
		return err
	}
	data, err := sess.blobs.Get(ctx, obj.BlobKey)
	if err != nil {
		return out.Fail(ExitFailure, "failed to read media bytes", err)
	}

	if opts.Output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	opts.formatter(cmd).VerboseLog("wrote %d bytes to %s", len(data), opts.Output)
	return nil
}

// MediaRetryOptions holds flags for media retry.
type MediaRetryOptions struct {
	*RootOptions
	Room string
}

// retryReport is the output of media retry. It mirrors
// archiver.MediaOutcome with JSON names.
type retryReport struct {
	Materialized int   `json:"materialized"`
	Failed       int   `json:"failed"`
	Bytes        int64 `json:"bytes"`
}

func (r retryReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "media retry: %d materialized (%d bytes), %d failed\n", r.Materialized, r.Bytes, r.Failed)
}

func newMediaRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MediaRetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Download media that is referenced but not yet materialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := opts.formatter(cmd)

			sess, err := openArchive(opts.RootOptions)
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.openBlobs(ctx); err != nil {
				return err
			}
			if err := sess.connect(ctx); err != nil {
				return err
			}

			res, err := sess.materializer().RetryPending(ctx, opts.Room)
			if err != nil {
				return out.Fail(ExitFailure, "media retry failed", err)
			}
			if err := out.Success(retryReport(res)); err != nil {
				return err
			}
			if res.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d media object(s) failed", res.Failed))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Room, "room", "", "retry only media referenced by this room")

	return cmd
}
