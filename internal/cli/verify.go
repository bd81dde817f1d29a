package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mxarchive/internal/store"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the archive's internal consistency",
		Long: `Check that the archive satisfies its invariants: no cursor ahead of the
data it gates, gapless event positions, no duplicate consecutive snapshots,
and a digest for every materialized media object.

Exit status is 0 for a consistent archive and 1 when issues were found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			sess, err := openArchive(rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			report, err := sess.store.Verify(cmd.Context())
			if err != nil {
				return out.Fail(ExitCommandError, "verify failed", err)
			}
			if err := out.Success(verifyReport{report}); err != nil {
				return err
			}
			if !report.OK() {
				return NewExitError(ExitFailure, fmt.Sprintf("archive has %d issue(s)", len(report.Issues)))
			}
			return nil
		},
	}
}

type verifyReport struct {
	store.IntegrityReport
}

func (r verifyReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "%d rooms, %d events\n", r.Rooms, r.Events)
	if r.OK() {
		fmt.Fprintln(w, "archive OK")
		return
	}
	for _, issue := range r.Issues {
		fmt.Fprintf(w, "  ISSUE %s\n", issue)
	}
}
