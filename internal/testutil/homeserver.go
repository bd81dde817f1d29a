package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Member is a room member served by Homeserver.
type Member struct {
	UserID      string
	Membership  string
	DisplayName string
	AvatarURL   string
}

// Device is a device served by Homeserver.
type Device struct {
	DeviceID    string
	DisplayName string
	Ed25519     string
	LastSeenIP  string
	LastSeenTS  int64
}

// MediaFile is a stored attachment.
type MediaFile struct {
	ContentType string
	Data        []byte
}

type fakeRoom struct {
	name    string
	topic   string
	alias   string
	events  []json.RawMessage
	members []Member
}

type fault struct {
	status  int
	errcode string
	drop    bool
	times   int // <= 0 means until Heal
}

// Homeserver is an in-process Matrix homeserver covering the client-server
// endpoints the archiver uses. Pagination tokens are "t<index>".
//
// Routes for Fail, Drop and Requests: login, logout, whoami, joined_rooms,
// state, messages, members, devices, keys, media.
//
// Thread-safety: Homeserver is safe for concurrent use.
type Homeserver struct {
	srv *httptest.Server

	mu          sync.Mutex
	userID      string
	password    string
	token       string
	rooms       map[string]*fakeRoom
	devices     map[string][]Device
	media       map[string]MediaFile
	keyFailures map[string]bool
	legacyMedia bool
	faults      map[string]*fault
	requests    map[string]int
	deviceName  string
}

// NewHomeserver starts a homeserver for userID. Requests must carry token;
// password login returns it.
func NewHomeserver(t testing.TB, userID, password, token string) *Homeserver {
	t.Helper()
	h := &Homeserver{
		userID:      userID,
		password:    password,
		token:       token,
		rooms:       make(map[string]*fakeRoom),
		devices:     make(map[string][]Device),
		media:       make(map[string]MediaFile),
		keyFailures: make(map[string]bool),
		faults:      make(map[string]*fault),
		requests:    make(map[string]int),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

// URL returns the homeserver base URL.
func (h *Homeserver) URL() string {
	return h.srv.URL
}

// AddRoom joins the account to a room.
func (h *Homeserver) AddRoom(roomID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = &fakeRoom{}
	}
	h.rooms[roomID].name = name
}

// SetTopic sets a room's topic state.
func (h *Homeserver) SetTopic(roomID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[roomID].topic = topic
}

// SetAlias sets a room's canonical alias.
func (h *Homeserver) SetAlias(roomID, alias string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[roomID].alias = alias
}

// Send appends a timeline event and returns its ID.
func (h *Homeserver) Send(roomID, sender, eventType string, content map[string]any) string {
	return h.appendEvent(roomID, sender, eventType, nil, content)
}

// SendState appends a state event to the timeline and returns its ID.
func (h *Homeserver) SendState(roomID, sender, eventType, stateKey string, content map[string]any) string {
	return h.appendEvent(roomID, sender, eventType, &stateKey, content)
}

func (h *Homeserver) appendEvent(roomID, sender, eventType string, stateKey *string, content map[string]any) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	n := len(r.events) + 1
	eventID := fmt.Sprintf("$%s-%d", localpart(roomID), n)
	ev := map[string]any{
		"event_id":         eventID,
		"room_id":          roomID,
		"sender":           sender,
		"type":             eventType,
		"origin_server_ts": int64(1700000000000) + int64(n)*1000,
		"content":          content,
	}
	if stateKey != nil {
		ev["state_key"] = *stateKey
	}
	raw, _ := json.Marshal(ev)
	r.events = append(r.events, raw)
	return eventID
}

// SetMembers replaces a room's member list.
func (h *Homeserver) SetMembers(roomID string, members ...Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[roomID].members = members
}

// SetDevices replaces a user's devices.
func (h *Homeserver) SetDevices(userID string, devices ...Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[userID] = devices
}

// AddMedia stores an attachment under an mxc:// URI.
func (h *Homeserver) AddMedia(mxc, contentType string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.media[strings.TrimPrefix(mxc, "mxc://")] = MediaFile{ContentType: contentType, Data: data}
}

// FailKeysFor makes key queries report server as unreachable.
func (h *Homeserver) FailKeysFor(server string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keyFailures[server] = true
}

// LegacyMediaOnly makes the authenticated media API report M_UNRECOGNIZED.
func (h *Homeserver) LegacyMediaOnly() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.legacyMedia = true
}

// Fail answers the next times requests to route with a Matrix error.
func (h *Homeserver) Fail(route string, status int, errcode string, times int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[route] = &fault{status: status, errcode: errcode, times: times}
}

// Drop closes the connection on the next times requests to route.
func (h *Homeserver) Drop(route string, times int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults[route] = &fault{drop: true, times: times}
}

// Heal clears faults on route.
func (h *Homeserver) Heal(route string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.faults, route)
}

// Requests returns how many requests route has received.
func (h *Homeserver) Requests(route string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[route]
}

// LoginDeviceName returns the device display name sent by the last login.
func (h *Homeserver) LoginDeviceName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceName
}

func (h *Homeserver) serve(w http.ResponseWriter, r *http.Request) {
	route, args := h.route(r)
	if route == "" {
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
		return
	}
	if h.inject(w, route) {
		return
	}
	if route != "login" && r.Header.Get("Authorization") != "Bearer "+h.token {
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "invalid access token")
		return
	}

	switch route {
	case "login":
		h.login(w, r)
	case "logout":
		writeJSON(w, map[string]any{})
	case "whoami":
		writeJSON(w, map[string]any{"user_id": h.userID, "device_id": "ARCHIVER"})
	case "joined_rooms":
		h.joinedRooms(w)
	case "state":
		h.state(w, args[0], args[1])
	case "messages":
		h.messages(w, r, args[0])
	case "members":
		h.members(w, args[0])
	case "devices":
		h.ownDevices(w)
	case "keys":
		h.keysQuery(w, r)
	case "media":
		h.download(w, args[0], args[1], args[2] == "legacy")
	}
}

// route names a request and extracts its path arguments.
func (h *Homeserver) route(r *http.Request) (string, []string) {
	const client = "/_matrix/client/v3/"
	p := r.URL.Path
	switch {
	case r.Method == http.MethodPost && p == client+"login":
		return "login", nil
	case r.Method == http.MethodPost && p == client+"logout":
		return "logout", nil
	case p == client+"account/whoami":
		return "whoami", nil
	case p == client+"joined_rooms":
		return "joined_rooms", nil
	case p == client+"devices":
		return "devices", nil
	case r.Method == http.MethodPost && p == client+"keys/query":
		return "keys", nil
	case strings.HasPrefix(p, client+"rooms/"):
		parts := strings.Split(strings.TrimPrefix(p, client+"rooms/"), "/")
		switch {
		case len(parts) == 2 && parts[1] == "messages":
			return "messages", parts[:1]
		case len(parts) == 2 && parts[1] == "members":
			return "members", parts[:1]
		case len(parts) >= 3 && parts[1] == "state":
			return "state", []string{parts[0], parts[2]}
		}
	case strings.HasPrefix(p, "/_matrix/client/v1/media/download/"):
		parts := strings.SplitN(strings.TrimPrefix(p, "/_matrix/client/v1/media/download/"), "/", 2)
		if len(parts) == 2 {
			return "media", []string{parts[0], parts[1], "authenticated"}
		}
	case strings.HasPrefix(p, "/_matrix/media/v3/download/"):
		parts := strings.SplitN(strings.TrimPrefix(p, "/_matrix/media/v3/download/"), "/", 2)
		if len(parts) == 2 {
			return "media", []string{parts[0], parts[1], "legacy"}
		}
	}
	return "", nil
}

func (h *Homeserver) inject(w http.ResponseWriter, route string) bool {
	h.mu.Lock()
	h.requests[route]++
	f := h.faults[route]
	if f != nil && f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(h.faults, route)
		}
	}
	h.mu.Unlock()

	if f == nil {
		return false
	}
	if f.drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return true
			}
		}
		writeError(w, http.StatusBadGateway, "M_UNKNOWN", "connection dropped")
		return true
	}
	writeError(w, f.status, f.errcode, "injected failure")
	return true
}

func (h *Homeserver) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type       string `json:"type"`
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password   string `json:"password"`
		DeviceName string `json:"initial_device_display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	user := req.Identifier.User
	if (user != h.userID && "@"+user+":"+serverOf(h.userID) != h.userID) || req.Password != h.password {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid credentials")
		return
	}
	h.mu.Lock()
	h.deviceName = req.DeviceName
	h.mu.Unlock()
	writeJSON(w, map[string]any{
		"user_id":      h.userID,
		"access_token": h.token,
		"device_id":    "ARCHIVER",
	})
}

func (h *Homeserver) joinedRooms(w http.ResponseWriter) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	writeJSON(w, map[string]any{"joined_rooms": ids})
}

func (h *Homeserver) state(w http.ResponseWriter, roomID, eventType string) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	var content map[string]any
	if ok {
		switch {
		case eventType == "m.room.name" && r.name != "":
			content = map[string]any{"name": r.name}
		case eventType == "m.room.topic" && r.topic != "":
			content = map[string]any{"topic": r.topic}
		case eventType == "m.room.canonical_alias" && r.alias != "":
			content = map[string]any{"alias": r.alias}
		}
	}
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "not in room")
		return
	}
	if content == nil {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "event not found")
		return
	}
	writeJSON(w, content)
}

func (h *Homeserver) messages(w http.ResponseWriter, req *http.Request, roomID string) {
	q := req.URL.Query()
	if q.Get("dir") != "f" {
		writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "only dir=f is supported")
		return
	}
	limit := 10
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "bad limit")
			return
		}
		limit = n
	}
	start := 0
	from := q.Get("from")
	if from != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(from, "t"))
		if err != nil || !strings.HasPrefix(from, "t") || n < 0 {
			writeError(w, http.StatusBadRequest, "M_INVALID_PARAM", "bad from token")
			return
		}
		start = n
	} else {
		from = "t0"
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	var chunk []json.RawMessage
	end := start
	if ok && start < len(r.events) {
		end = min(start+limit, len(r.events))
		chunk = append(chunk, r.events[start:end]...)
	}
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "not in room")
		return
	}
	resp := map[string]any{"chunk": chunk, "start": from}
	if chunk == nil {
		resp["chunk"] = []json.RawMessage{}
	} else {
		resp["end"] = "t" + strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

func (h *Homeserver) members(w http.ResponseWriter, roomID string) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	var chunk []map[string]any
	if ok {
		for _, m := range r.members {
			content := map[string]any{"membership": m.Membership}
			if m.DisplayName != "" {
				content["displayname"] = m.DisplayName
			}
			if m.AvatarURL != "" {
				content["avatar_url"] = m.AvatarURL
			}
			chunk = append(chunk, map[string]any{
				"type":      "m.room.member",
				"room_id":   roomID,
				"sender":    m.UserID,
				"state_key": m.UserID,
				"content":   content,
			})
		}
	}
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "not in room")
		return
	}
	if chunk == nil {
		chunk = []map[string]any{}
	}
	writeJSON(w, map[string]any{"chunk": chunk})
}

func (h *Homeserver) ownDevices(w http.ResponseWriter) {
	h.mu.Lock()
	devices := make([]map[string]any, 0, len(h.devices[h.userID]))
	for _, d := range h.devices[h.userID] {
		devices = append(devices, map[string]any{
			"device_id":    d.DeviceID,
			"display_name": d.DisplayName,
			"last_seen_ip": d.LastSeenIP,
			"last_seen_ts": d.LastSeenTS,
		})
	}
	h.mu.Unlock()
	writeJSON(w, map[string]any{"devices": devices})
}

func (h *Homeserver) keysQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	deviceKeys := map[string]any{}
	failures := map[string]any{}
	for user := range req.DeviceKeys {
		server := serverOf(user)
		if h.keyFailures[server] {
			failures[server] = map[string]any{"status": 503, "message": "Not ready for retry"}
			continue
		}
		devices := map[string]any{}
		for _, d := range h.devices[user] {
			devices[d.DeviceID] = map[string]any{
				"user_id":    user,
				"device_id":  d.DeviceID,
				"algorithms": []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
				"keys": map[string]string{
					"ed25519:" + d.DeviceID: d.Ed25519,
				},
				"unsigned": map[string]any{"device_display_name": d.DisplayName},
			}
		}
		deviceKeys[user] = devices
	}
	writeJSON(w, map[string]any{"device_keys": deviceKeys, "failures": failures})
}

func (h *Homeserver) download(w http.ResponseWriter, server, mediaID string, legacy bool) {
	h.mu.Lock()
	f, ok := h.media[server+"/"+mediaID]
	legacyOnly := h.legacyMedia
	h.mu.Unlock()

	if legacyOnly && !legacy {
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "media not found")
		return
	}
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Write(f.Data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errcode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"errcode": errcode, "error": msg})
}

func localpart(id string) string {
	id = strings.TrimLeft(id, "!@#$")
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i]
	}
	return id
}

func serverOf(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[i+1:]
	}
	return ""
}
