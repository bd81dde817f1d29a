package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mxarchive/internal/model"
)

// DefaultAccount is the archived account when a scenario names none.
const DefaultAccount = "@me:example.org"

// Scenario defines an end-to-end archival scenario.
// A scenario seeds a homeserver, runs a sequence of archival passes against
// it and asserts on the resulting archive.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Account is the archived user. Defaults to DefaultAccount.
	Account string `yaml:"account,omitempty"`

	// PageSize overrides the history page size.
	PageSize int `yaml:"page_size,omitempty"`

	// Concurrency bounds parallel rooms. Defaults to 1 so room order is
	// deterministic.
	Concurrency int `yaml:"concurrency,omitempty"`

	// CorrespondentDevices also archives devices of joined members.
	CorrespondentDevices bool `yaml:"correspondent_devices,omitempty"`

	// Rooms the account is joined to before the first pass.
	Rooms []RoomSetup `yaml:"rooms"`

	// Devices served before the first pass.
	Devices []DeviceSetup `yaml:"devices,omitempty"`

	// Media served by the homeserver's content repository.
	Media []MediaSetup `yaml:"media,omitempty"`

	// Passes run in order against the same archive.
	Passes []Pass `yaml:"passes"`

	// Assertions validate the archive after the last pass.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// RoomSetup seeds one joined room.
type RoomSetup struct {
	ID      string        `yaml:"id"`
	Name    string        `yaml:"name,omitempty"`
	Topic   string        `yaml:"topic,omitempty"`
	Members []MemberSetup `yaml:"members,omitempty"`
}

// MemberSetup is a member as served by the members endpoint.
type MemberSetup struct {
	User        string `yaml:"user"`
	Membership  string `yaml:"membership"`
	DisplayName string `yaml:"display_name,omitempty"`
}

// DeviceSetup is a device as served by the device and key endpoints.
type DeviceSetup struct {
	User        string `yaml:"user"`
	Device      string `yaml:"device"`
	DisplayName string `yaml:"display_name,omitempty"`
	Ed25519     string `yaml:"ed25519,omitempty"`
}

// MediaSetup is one downloadable attachment.
type MediaSetup struct {
	URI         string `yaml:"uri"`
	ContentType string `yaml:"content_type"`
	Data        string `yaml:"data"`
}

// Pass changes homeserver state, then runs one archival pass.
type Pass struct {
	// Send appends events before the pass.
	Send []EventStep `yaml:"send,omitempty"`

	// Members replaces the member list of each named room.
	Members map[string][]MemberSetup `yaml:"members,omitempty"`

	// Devices replaces the device list of each named user.
	Devices map[string][]DeviceSetup `yaml:"devices,omitempty"`

	// Heal clears faults on the named routes before new faults apply.
	Heal []string `yaml:"heal,omitempty"`

	// Faults are injected before the pass.
	Faults []Fault `yaml:"faults,omitempty"`

	// MaxPages bounds history pages per room for this pass.
	MaxPages int `yaml:"max_pages,omitempty"`

	// SkipMedia leaves attachments referenced.
	SkipMedia bool `yaml:"skip_media,omitempty"`

	// Expect checks the pass summary. Nil fields are not checked.
	Expect *PassExpect `yaml:"expect,omitempty"`
}

// EventStep sends one room event.
// When Content is empty a text message carrying Body is sent.
type EventStep struct {
	Room     string         `yaml:"room"`
	Sender   string         `yaml:"sender"`
	Type     string         `yaml:"type,omitempty"`
	StateKey *string        `yaml:"state_key,omitempty"`
	Body     string         `yaml:"body,omitempty"`
	Content  map[string]any `yaml:"content,omitempty"`
}

// Fault injects an error on a homeserver route.
// Times <= 0 keeps the fault until healed.
type Fault struct {
	Route   string `yaml:"route"`
	Status  int    `yaml:"status,omitempty"`
	Errcode string `yaml:"errcode,omitempty"`
	Times   int    `yaml:"times,omitempty"`
	Drop    bool   `yaml:"drop,omitempty"`
}

// PassExpect is a subset match on a pass summary.
type PassExpect struct {
	RoomsOK           *int `yaml:"rooms_ok,omitempty"`
	RoomsFailed       *int `yaml:"rooms_failed,omitempty"`
	EventsArchived    *int `yaml:"events_archived,omitempty"`
	SnapshotsRecorded *int `yaml:"snapshots_recorded,omitempty"`
	MediaMaterialized *int `yaml:"media_materialized,omitempty"`
	MediaFailed       *int `yaml:"media_failed,omitempty"`
	DevicesChanged    *int `yaml:"devices_changed,omitempty"`

	// Failures maps failed room IDs to their error codes.
	Failures map[string]string `yaml:"failures,omitempty"`
}

// Assertion validates the final archive.
type Assertion struct {
	// Type specifies the assertion type:
	// - "event_count": room holds exactly Count events
	// - "cursor": cursor of Scope/Entity has State and Position
	// - "member": latest membership of User in Room is Membership
	// - "media": ContentID has Status
	// - "device": latest snapshot of User/Device has Present
	// - "verify": the archive has no integrity issues
	// - "run_count": Count runs were recorded
	// - "final_state": exactly one row of Table matching Where has Expect
	Type string `yaml:"type"`

	Room       string `yaml:"room,omitempty"`
	User       string `yaml:"user,omitempty"`
	Device     string `yaml:"device,omitempty"`
	ContentID  string `yaml:"content_id,omitempty"`
	Scope      string `yaml:"scope,omitempty"`
	Entity     string `yaml:"entity,omitempty"`
	State      string `yaml:"state,omitempty"`
	Membership string `yaml:"membership,omitempty"`
	Status     string `yaml:"status,omitempty"`
	Present    *bool  `yaml:"present,omitempty"`
	Position   *int64 `yaml:"position,omitempty"`
	Count      *int   `yaml:"count,omitempty"`

	// Table, Where and Expect are used by final_state. Where is an exact
	// match; Expect is a subset match.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertEventCount = "event_count"
	AssertCursor     = "cursor"
	AssertMember     = "member"
	AssertMedia      = "media"
	AssertDevice     = "device"
	AssertVerify     = "verify"
	AssertRunCount   = "run_count"
	AssertFinalState = "final_state"
)

// Routes accepted by Fault and Heal.
var faultRoutes = map[string]bool{
	"login": true, "logout": true, "whoami": true, "joined_rooms": true,
	"state": true, "messages": true, "members": true, "devices": true,
	"keys": true, "media": true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Unknown fields are rejected so "assertion:" vs "assertions:" fails loudly.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml scenario in dir, ordered by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		seen[s.Name] = filepath.Base(p)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Passes) == 0 {
		return fmt.Errorf("passes list is required and must be non-empty")
	}

	rooms := make(map[string]bool, len(s.Rooms))
	for i, r := range s.Rooms {
		if r.ID == "" {
			return fmt.Errorf("room %d: id is required", i)
		}
		if rooms[r.ID] {
			return fmt.Errorf("room %d: duplicate id %q", i, r.ID)
		}
		rooms[r.ID] = true
		if err := validateMembers(r.Members); err != nil {
			return fmt.Errorf("room %s: %w", r.ID, err)
		}
	}
	if err := validateDevices(s.Devices); err != nil {
		return err
	}
	for i, m := range s.Media {
		if _, err := model.ContentID(m.URI); err != nil {
			return fmt.Errorf("media %d: %w", i, err)
		}
	}

	for i, p := range s.Passes {
		if err := validatePass(p, rooms); err != nil {
			return fmt.Errorf("pass %d: %w", i+1, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	return nil
}

func validatePass(p Pass, rooms map[string]bool) error {
	for i, ev := range p.Send {
		if !rooms[ev.Room] {
			return fmt.Errorf("send %d: unknown room %q", i, ev.Room)
		}
		if ev.Sender == "" {
			return fmt.Errorf("send %d: sender is required", i)
		}
	}
	for room, members := range p.Members {
		if !rooms[room] {
			return fmt.Errorf("members: unknown room %q", room)
		}
		if err := validateMembers(members); err != nil {
			return fmt.Errorf("members of %s: %w", room, err)
		}
	}
	for user, devices := range p.Devices {
		for _, d := range devices {
			if d.User != "" && d.User != user {
				return fmt.Errorf("devices of %s: device %s belongs to %s", user, d.Device, d.User)
			}
		}
		if err := validateDevices(devices); err != nil {
			return fmt.Errorf("devices of %s: %w", user, err)
		}
	}
	for _, r := range p.Heal {
		if !faultRoutes[r] {
			return fmt.Errorf("heal: unknown route %q", r)
		}
	}
	for i, f := range p.Faults {
		if !faultRoutes[f.Route] {
			return fmt.Errorf("fault %d: unknown route %q", i, f.Route)
		}
		if !f.Drop && f.Status == 0 {
			return fmt.Errorf("fault %d: status is required unless drop is set", i)
		}
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("max_pages must not be negative")
	}
	return nil
}

func validateMembers(members []MemberSetup) error {
	for i, m := range members {
		if m.User == "" {
			return fmt.Errorf("member %d: user is required", i)
		}
		if !model.Membership(m.Membership).Valid() {
			return fmt.Errorf("member %s: invalid membership %q", m.User, m.Membership)
		}
	}
	return nil
}

func validateDevices(devices []DeviceSetup) error {
	for i, d := range devices {
		if d.Device == "" {
			return fmt.Errorf("device %d: device is required", i)
		}
	}
	return nil
}

// validateAssertion checks that an assertion has required fields for its type.
func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertEventCount:
		if a.Room == "" || a.Count == nil {
			return fmt.Errorf("event_count requires room and count")
		}
	case AssertCursor:
		if a.Scope == "" || a.Entity == "" {
			return fmt.Errorf("cursor requires scope and entity")
		}
		switch model.Scope(a.Scope) {
		case model.ScopeEvents, model.ScopeMembers, model.ScopeDevices:
		default:
			return fmt.Errorf("cursor: unknown scope %q", a.Scope)
		}
		if a.State == "" && a.Position == nil {
			return fmt.Errorf("cursor requires state or position")
		}
	case AssertMember:
		if a.Room == "" || a.User == "" || a.Membership == "" {
			return fmt.Errorf("member requires room, user and membership")
		}
	case AssertMedia:
		if a.ContentID == "" || a.Status == "" {
			return fmt.Errorf("media requires content_id and status")
		}
	case AssertDevice:
		if a.User == "" || a.Device == "" || a.Present == nil {
			return fmt.Errorf("device requires user, device and present")
		}
	case AssertVerify:
	case AssertRunCount:
		if a.Count == nil {
			return fmt.Errorf("run_count requires count")
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("final_state requires table")
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("final_state requires expect")
		}
	default:
		return fmt.Errorf("unknown assertion type: %q", a.Type)
	}
	return nil
}
