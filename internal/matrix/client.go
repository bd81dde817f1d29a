// Package matrix implements the archiver's protocol client on top of the
// Matrix client-server API.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/roach88/mxarchive/internal/archiver"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 60 * time.Second

// Options configures a session.
type Options struct {
	Homeserver string
	User       string
	Password   string
	Token      string

	// DeviceName is the display name of the device created by password login.
	DeviceName string

	Timeout time.Duration
}

// Client is an authenticated session implementing archiver.Protocol.
//
// Thread-safety: Client is safe for concurrent use.
type Client struct {
	cli      *mautrix.Client
	log      *slog.Logger
	loggedIn bool
}

var _ archiver.Protocol = (*Client)(nil)

// Connect establishes a session. With a token the session is verified with
// whoami; otherwise the password logs in a new device, which Close logs out.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	cli, err := mautrix.NewClient(strings.TrimRight(opts.Homeserver, "/"), id.UserID(opts.User), opts.Token)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	cli.Client = &http.Client{Timeout: opts.Timeout}

	c := &Client{cli: cli, log: log.With("component", "matrix")}
	if opts.Token == "" {
		if opts.Password == "" {
			return nil, errors.New("password or token is required")
		}
		resp, err := cli.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: opts.User,
			},
			Password:                 opts.Password,
			InitialDeviceDisplayName: opts.DeviceName,
			StoreCredentials:         true,
		})
		if err != nil {
			return nil, classify("login", err)
		}
		c.loggedIn = true
		c.log.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
		return c, nil
	}

	who, err := cli.Whoami(ctx)
	if err != nil {
		return nil, classify("whoami", err)
	}
	cli.UserID = who.UserID
	cli.DeviceID = who.DeviceID
	c.log.Info("session verified", "user_id", who.UserID, "device_id", who.DeviceID)
	return c, nil
}

// UserID returns the authenticated account.
func (c *Client) UserID() string {
	return c.cli.UserID.String()
}

// Close logs out a device created by Connect. Token sessions stay valid.
func (c *Client) Close(ctx context.Context) error {
	if !c.loggedIn {
		return nil
	}
	c.loggedIn = false
	if _, err := c.cli.Logout(ctx); err != nil {
		return classify("logout", err)
	}
	c.log.Info("logged out")
	return nil
}
