package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/roach88/mxarchive/internal/archiver"
	"github.com/roach88/mxarchive/internal/model"
)

const (
	keysQueryBatch   = 100
	keysQueryTimeout = 10000
	maxErrorBody     = 64 << 10
)

// ListRooms returns the joined rooms with their name, topic and canonical
// alias, ordered by room ID.
//
// Only the room list itself is required. A room whose state cannot be read is
// still returned, marked Incomplete, so it is archived with its stored
// metadata left as it was.
func (c *Client) ListRooms(ctx context.Context) ([]model.RoomRef, error) {
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return nil, classify("list rooms", err)
	}

	rooms := make([]model.RoomRef, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		room, err := c.roomMetadata(ctx, roomID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, classify("list rooms", ctx.Err())
			}
			c.log.Warn("room metadata unavailable", "room_id", roomID, "error", err)
			room.Incomplete = true
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// roomMetadata reads name, topic and canonical alias. It stops at the first
// failing read; fields read before it are kept.
func (c *Client) roomMetadata(ctx context.Context, roomID id.RoomID) (model.RoomRef, error) {
	room := model.RoomRef{ID: roomID.String()}

	var name event.RoomNameEventContent
	if err := c.state(ctx, roomID, event.StateRoomName, &name); err != nil {
		return room, err
	}
	room.Name = name.Name

	var topic event.TopicEventContent
	if err := c.state(ctx, roomID, event.StateTopic, &topic); err != nil {
		return room, err
	}
	room.Topic = topic.Topic

	var alias event.CanonicalAliasEventContent
	if err := c.state(ctx, roomID, event.StateCanonicalAlias, &alias); err != nil {
		return room, err
	}
	room.Alias = alias.Alias.String()
	return room, nil
}

// state reads a room state event. A missing event leaves out untouched.
func (c *Client) state(ctx context.Context, roomID id.RoomID, typ event.Type, out any) error {
	err := c.cli.StateEvent(ctx, roomID, typ, "", out)
	if err == nil || errors.Is(err, mautrix.MNotFound) {
		return nil
	}
	return classify("read "+typ.Type, err)
}

type messagesResponse struct {
	Chunk []json.RawMessage `json:"chunk"`
	Start string            `json:"start"`
	End   string            `json:"end"`
}

type eventHeader struct {
	ID       string  `json:"event_id"`
	Type     string  `json:"type"`
	Sender   string  `json:"sender"`
	RoomID   string  `json:"room_id"`
	StateKey *string `json:"state_key"`
	OriginTS int64   `json:"origin_server_ts"`
}

// FetchEventPage reads one page of room history forwards from token. An
// empty token starts at the beginning of visible history.
func (c *Client) FetchEventPage(ctx context.Context, roomID, token string, limit int) (archiver.EventPage, error) {
	query := map[string]string{
		"dir":   "f",
		"limit": strconv.Itoa(limit),
	}
	if token != "" {
		query["from"] = token
	}
	url := c.cli.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "rooms", roomID, "messages"}, query)

	var resp messagesResponse
	if _, err := c.cli.MakeRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return archiver.EventPage{}, classify("fetch page", err)
	}

	page := archiver.EventPage{
		Events: make([]model.Event, 0, len(resp.Chunk)),
		Next:   resp.End,
	}
	for i, raw := range resp.Chunk {
		var h eventHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			return archiver.EventPage{}, classify("fetch page", fmt.Errorf("event %d: %w", i, err))
		}
		if h.ID == "" || h.Type == "" {
			return archiver.EventPage{}, classify("fetch page", fmt.Errorf("event %d: missing event_id or type: %w", i, errMalformed))
		}
		if h.RoomID != "" && h.RoomID != roomID {
			return archiver.EventPage{}, classify("fetch page", fmt.Errorf("event %s belongs to %s: %w", h.ID, h.RoomID, errMalformed))
		}
		page.Events = append(page.Events, model.Event{
			RoomID:   roomID,
			ID:       h.ID,
			Type:     h.Type,
			Sender:   h.Sender,
			StateKey: h.StateKey,
			OriginTS: h.OriginTS,
			Payload:  raw,
		})
	}
	c.log.Debug("page fetched", "room_id", roomID, "events", len(page.Events), "next", page.Next != "")
	return page, nil
}

type membersResponse struct {
	Chunk []struct {
		StateKey string `json:"state_key"`
		Content  struct {
			Membership  string `json:"membership"`
			DisplayName string `json:"displayname"`
			AvatarURL   string `json:"avatar_url"`
		} `json:"content"`
	} `json:"chunk"`
}

// FetchMembership returns the current member list of a room.
func (c *Client) FetchMembership(ctx context.Context, roomID string) ([]model.MemberState, error) {
	url := c.cli.BuildClientURL("v3", "rooms", roomID, "members")
	var resp membersResponse
	if _, err := c.cli.MakeRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, classify("fetch membership", err)
	}

	members := make([]model.MemberState, 0, len(resp.Chunk))
	for _, m := range resp.Chunk {
		members = append(members, model.MemberState{
			UserID:      m.StateKey,
			Membership:  model.Membership(m.Content.Membership),
			DisplayName: m.Content.DisplayName,
			AvatarURL:   m.Content.AvatarURL,
		})
	}
	return members, nil
}

type keysQueryRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int                 `json:"timeout"`
}

type keysQueryResponse struct {
	DeviceKeys map[string]map[string]struct {
		Keys     map[string]string `json:"keys"`
		Unsigned struct {
			DisplayName string `json:"device_display_name"`
		} `json:"unsigned"`
	} `json:"device_keys"`
	Failures map[string]json.RawMessage `json:"failures"`
}

// FetchDevices returns the devices of owners. The account's own devices come
// from the device list, which includes devices without keys and last-seen
// details; everyone else's come from the key directory. Owners whose server
// did not answer are reported as failed.
func (c *Client) FetchDevices(ctx context.Context, owners []string) (archiver.DeviceList, error) {
	owners = dedupe(owners)
	account := c.UserID()

	keys := make(map[string]map[string]model.DeviceState, len(owners))
	var list archiver.DeviceList
	for start := 0; start < len(owners); start += keysQueryBatch {
		batch := owners[start:min(start+keysQueryBatch, len(owners))]
		req := keysQueryRequest{DeviceKeys: make(map[string][]string, len(batch)), Timeout: keysQueryTimeout}
		for _, o := range batch {
			req.DeviceKeys[o] = []string{}
		}

		var resp keysQueryResponse
		url := c.cli.BuildClientURL("v3", "keys", "query")
		if _, err := c.cli.MakeRequest(ctx, http.MethodPost, url, &req, &resp); err != nil {
			return archiver.DeviceList{}, classify("query keys", err)
		}

		for _, owner := range batch {
			if _, failed := resp.Failures[serverName(owner)]; failed {
				list.Failed = append(list.Failed, owner)
				continue
			}
			devices, ok := resp.DeviceKeys[owner]
			if !ok {
				list.Failed = append(list.Failed, owner)
				continue
			}
			keys[owner] = make(map[string]model.DeviceState, len(devices))
			for deviceID, dk := range devices {
				keys[owner][deviceID] = model.DeviceState{
					UserID:      owner,
					DeviceID:    deviceID,
					DisplayName: dk.Unsigned.DisplayName,
					KeyRef:      dk.Keys["ed25519:"+deviceID],
					Present:     true,
				}
			}
		}
	}

	for _, owner := range owners {
		known, ok := keys[owner]
		if !ok {
			continue
		}
		if owner == account {
			own, err := c.ownDevices(ctx, known)
			if err != nil {
				return archiver.DeviceList{}, err
			}
			list.Devices = append(list.Devices, own...)
			continue
		}
		for _, d := range known {
			list.Devices = append(list.Devices, d)
		}
	}

	sort.Slice(list.Devices, func(i, j int) bool { return list.Devices[i].Key() < list.Devices[j].Key() })
	return list, nil
}

// ownDevices merges the account's device list with its published keys.
func (c *Client) ownDevices(ctx context.Context, keys map[string]model.DeviceState) ([]model.DeviceState, error) {
	resp, err := c.cli.GetDevicesInfo(ctx)
	if err != nil {
		return nil, classify("list devices", err)
	}
	account := c.UserID()
	out := make([]model.DeviceState, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		deviceID := d.DeviceID.String()
		out = append(out, model.DeviceState{
			UserID:      account,
			DeviceID:    deviceID,
			DisplayName: d.DisplayName,
			KeyRef:      keys[deviceID].KeyRef,
			LastSeenIP:  d.LastSeenIP,
			LastSeenTS:  d.LastSeenTS,
			Present:     true,
		})
	}
	return out, nil
}

// FetchMedia downloads a content URI through the authenticated media API,
// falling back to the legacy endpoint on servers that do not support it.
func (c *Client) FetchMedia(ctx context.Context, contentID string) (archiver.Media, error) {
	uri, err := id.ParseContentURI(contentID)
	if err != nil || uri.IsEmpty() {
		return archiver.Media{}, classify("download", fmt.Errorf("content id %q: %w", contentID, errMalformed))
	}

	resp, err := c.download(ctx, c.cli.BuildURL(mautrix.ClientURLPath{"v1", "media", "download", uri.Homeserver, uri.FileID}))
	if errors.Is(err, mautrix.MUnrecognized) {
		resp, err = c.download(ctx, c.cli.BuildURL(mautrix.MediaURLPath{"v3", "download", uri.Homeserver, uri.FileID}))
	}
	if err != nil {
		return archiver.Media{}, classify("download", err)
	}
	return archiver.Media{Body: resp.Body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) download(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cli.AccessToken)
	resp, err := c.cli.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &statusError{status: resp.StatusCode}
	if len(bytes.TrimSpace(body)) > 0 {
		var re mautrix.RespError
		if json.Unmarshal(body, &re) == nil && re.ErrCode != "" {
			serr.resp = &re
		}
	}
	return nil, serr
}

func serverName(userID string) string {
	if i := strings.IndexByte(userID, ':'); i >= 0 {
		return userID[i+1:]
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
