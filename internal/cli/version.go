package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/roach88/mxarchive/internal/model"
)

type versionInfo struct {
	Version       string `json:"version"`
	SchemaVersion int    `json:"schema_version"`
	GoVersion     string `json:"go_version"`
}

func (v versionInfo) renderText(w io.Writer) {
	fmt.Fprintf(w, "mxarchive %s (schema v%d, %s)\n", v.Version, v.SchemaVersion, v.GoVersion)
}

// NewVersionCommand creates the version command. It needs no config.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(rootOpts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", rootOpts.Format, ValidFormats))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.formatter(cmd).Success(versionInfo{
				Version:       model.ArchiverVersion,
				SchemaVersion: model.SchemaVersion,
				GoVersion:     runtime.Version(),
			})
		},
	}
}
