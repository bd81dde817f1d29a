package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mxarchive/internal/model"
)

// NewHistoryCommand creates the history command group.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Read archived events, membership and devices",
		Long: `Read from the archive without contacting the homeserver.

Example:
  mxarchive history events '!abc:example.org' --after 100 --limit 50
  mxarchive history members '!abc:example.org' --as-of 120
  mxarchive history devices @alice:example.org --all`,
	}

	cmd.AddCommand(newHistoryEventsCommand(rootOpts))
	cmd.AddCommand(newHistoryMembersCommand(rootOpts))
	cmd.AddCommand(newHistoryDevicesCommand(rootOpts))

	return cmd
}

// HistoryEventsOptions holds flags for history events.
type HistoryEventsOptions struct {
	*RootOptions
	After int64
	Limit int
}

func newHistoryEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryEventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <room-id>",
		Short: "List archived events of a room in archive order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			sess, err := openArchive(opts.RootOptions)
			if err != nil {
				return err
			}
			defer sess.Close()

			events, err := sess.store.ReadEvents(cmd.Context(), args[0], opts.After, opts.Limit)
			if err != nil {
				return out.Fail(ExitCommandError, "failed to read events", err)
			}
			return out.Success(eventList(events))
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "list events after this archive position")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of events")

	return cmd
}

type eventList []model.Event

func (l eventList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tTIME\tSENDER\tTYPE\tBODY")
	for _, ev := range l {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.Position,
			time.UnixMilli(ev.OriginTS).UTC().Format(time.RFC3339),
			ev.Sender, ev.Type, eventBody(ev))
	}
	tw.Flush()
}

// eventBody returns content.body for message-like events.
func eventBody(ev model.Event) string {
	var env struct {
		Content struct {
			Body string `json:"body"`
		} `json:"content"`
	}
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		return ""
	}
	return env.Content.Body
}

// HistoryMembersOptions holds flags for history members.
type HistoryMembersOptions struct {
	*RootOptions
	AsOf int64
	User string
	All  bool
}

func newHistoryMembersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryMembersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "members <room-id>",
		Short: "Show a room's membership, now or as of an event position",
		Long: `Show a room's membership.

Without flags the latest known state of every member is listed. --as-of shows
membership as it was when the archive held events up to that position. --all
or --user lists every recorded change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			sess, err := openArchive(opts.RootOptions)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, room := cmd.Context(), args[0]
			var snaps []model.MembershipSnapshot
			switch {
			case opts.All || opts.User != "":
				snaps, err = sess.store.MembershipHistory(ctx, room, opts.User)
			case cmd.Flags().Changed("as-of"):
				snaps, err = sess.store.MembersAsOf(ctx, room, opts.AsOf)
			default:
				snaps, err = sess.store.LatestMembership(ctx, room)
			}
			if err != nil {
				return out.Fail(ExitCommandError, "failed to read membership", err)
			}
			return out.Success(memberList(snaps))
		},
	}

	cmd.Flags().Int64Var(&opts.AsOf, "as-of", 0, "membership as of this event position")
	cmd.Flags().StringVar(&opts.User, "user", "", "list every change for one user")
	cmd.Flags().BoolVar(&opts.All, "all", false, "list every recorded change")

	return cmd
}

type memberList []model.MembershipSnapshot

func (l memberList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No membership recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tPOS\tUSER\tMEMBERSHIP\tNAME")
	for _, s := range l {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", s.Revision, s.EventPosition, s.State.UserID, s.State.Membership, s.State.DisplayName)
	}
	tw.Flush()
}

// HistoryDevicesOptions holds flags for history devices.
type HistoryDevicesOptions struct {
	*RootOptions
	All bool
}

func newHistoryDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryDevicesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "devices [user-id]",
		Short: "Show archived devices of the account and its correspondents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			sess, err := openArchive(opts.RootOptions)
			if err != nil {
				return err
			}
			defer sess.Close()

			var user string
			if len(args) == 1 {
				user = args[0]
			}
			var snaps []model.DeviceSnapshot
			if opts.All {
				snaps, err = sess.store.DeviceHistory(cmd.Context(), user)
			} else {
				var owners []string
				if user != "" {
					owners = []string{user}
				}
				snaps, err = sess.store.LatestDevices(cmd.Context(), owners)
			}
			if err != nil {
				return out.Fail(ExitCommandError, "failed to read devices", err)
			}
			return out.Success(deviceList(snaps))
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "list every recorded change")

	return cmd
}

type deviceList []model.DeviceSnapshot

func (l deviceList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No devices recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REV\tUSER\tDEVICE\tNAME\tPRESENT\tKEY")
	for _, s := range l {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\n", s.Revision, s.State.UserID, s.State.DeviceID, s.State.DisplayName, s.State.Present, s.State.KeyRef)
	}
	tw.Flush()
}
