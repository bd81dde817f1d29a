// Package harness runs end-to-end archival scenarios.
//
// A scenario seeds an in-process homeserver, runs one or more archival passes
// against a fresh archive and checks the result. Pass summaries and a dump of
// the final archive are compared against golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	page_size: 2
//	rooms:
//	  - id: "!general:example.org"
//	    name: General
//	    members:
//	      - { user: "@me:example.org", membership: join }
//	devices:
//	  - { user: "@me:example.org", device: PHONE, ed25519: phone-key }
//	media:
//	  - { uri: "mxc://example.org/cat", content_type: image/png, data: meow }
//	passes:
//	  - send:
//	      - { room: "!general:example.org", sender: "@bob:example.org", body: hello }
//	    faults:
//	      - { route: messages, status: 502, times: 1 }
//	    expect:
//	      events_archived: 1
//	  - heal: [messages]
//	    members:
//	      "!general:example.org": [ ... ]
//	assertions:
//	  - type: cursor
//	    scope: events
//	    entity: "!general:example.org"
//	    state: caught_up
//
// # Assertion Types
//
//   - event_count: a room holds exactly N events
//   - cursor: a cursor has the given state and position
//   - member: a user's latest membership in a room
//   - media: materialization status of a content ID
//   - device: whether a device's latest snapshot is present
//   - verify: the archive has no integrity issues
//   - run_count: number of recorded runs
//   - final_state: queries an archive table and verifies expected values
//
// # Deterministic Testing
//
// Run IDs come from testutil.SequentialIDs and every timestamp from
// testutil.Clock. Rooms run one at a time unless a scenario sets
// concurrency. Golden files leave out wall-clock fields, state hashes and
// error messages, so they are identical across runs.
//
// # Usage
//
//	scenarios, err := harness.LoadScenarios("testdata/scenarios")
//	require.NoError(t, err)
//	for _, s := range scenarios {
//	    result, err := harness.RunWithGolden(t, s)
//	    require.NoError(t, err)
//	    assert.True(t, result.Pass, "%v", result.Errors)
//	}
package harness
