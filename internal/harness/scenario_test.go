package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes content to a scenario file in a fresh directory.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
page_size: 10
rooms:
  - id: "!a:example.org"
    name: A
    members:
      - user: "@me:example.org"
        membership: join
passes:
  - send:
      - room: "!a:example.org"
        sender: "@me:example.org"
        body: hello
    faults:
      - route: messages
        status: 502
        times: 1
    expect:
      events_archived: 1
      failures:
        "!a:example.org": TRANSIENT_NETWORK
assertions:
  - type: event_count
    room: "!a:example.org"
    count: 1
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Equal(t, 10, scenario.PageSize)
	require.Len(t, scenario.Rooms, 1)
	assert.Equal(t, "A", scenario.Rooms[0].Name)
	require.Len(t, scenario.Passes, 1)
	p := scenario.Passes[0]
	require.Len(t, p.Send, 1)
	assert.Equal(t, "hello", p.Send[0].Body)
	require.Len(t, p.Faults, 1)
	assert.Equal(t, 502, p.Faults[0].Status)
	require.NotNil(t, p.Expect)
	require.NotNil(t, p.Expect.EventsArchived)
	assert.Equal(t, 1, *p.Expect.EventsArchived)
	assert.Nil(t, p.Expect.RoomsOK)
	assert.Equal(t, "TRANSIENT_NETWORK", p.Expect.Failures["!a:example.org"])
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, 1, *scenario.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "assertion instead of assertions"
passes:
  - {}
assertion:
  - type: verify
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing name",
			content: "description: x\npasses:\n  - {}\n",
			want:    "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\npasses:\n  - {}\n",
			want:    "description is required",
		},
		{
			name:    "no passes",
			content: "name: x\ndescription: x\n",
			want:    "passes list is required",
		},
		{
			name: "bad membership",
			content: `
name: x
description: x
rooms:
  - id: "!a:example.org"
    members:
      - user: "@me:example.org"
        membership: lurking
passes:
  - {}
`,
			want: `invalid membership "lurking"`,
		},
		{
			name: "send to unknown room",
			content: `
name: x
description: x
passes:
  - send:
      - room: "!nowhere:example.org"
        sender: "@me:example.org"
`,
			want: `pass 1: send 0: unknown room`,
		},
		{
			name: "unknown fault route",
			content: `
name: x
description: x
passes:
  - faults:
      - route: sync
        status: 500
`,
			want: `unknown route "sync"`,
		},
		{
			name: "fault without status",
			content: `
name: x
description: x
passes:
  - faults:
      - route: media
`,
			want: "status is required unless drop is set",
		},
		{
			name: "bad media uri",
			content: `
name: x
description: x
media:
  - uri: "https://example.org/cat"
    content_type: image/png
    data: meow
passes:
  - {}
`,
			want: "media 0",
		},
		{
			name: "unknown assertion",
			content: `
name: x
description: x
passes:
  - {}
assertions:
  - type: trace_contains
`,
			want: `unknown assertion type: "trace_contains"`,
		},
		{
			name: "cursor with bad scope",
			content: `
name: x
description: x
passes:
  - {}
assertions:
  - type: cursor
    scope: rooms
    entity: "!a:example.org"
    state: caught_up
`,
			want: `unknown scope "rooms"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarios_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	content := "name: same\ndescription: x\npasses:\n  - {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(content), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(content), 0644))

	_, err := LoadScenarios(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scenario name "same" already used by a.yaml`)
}

func TestLoadScenarios_Testdata(t *testing.T) {
	scenarios, err := LoadScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	names := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"incremental_backfill", "media_and_membership", "room_failure_isolated"}, names)
}
