package harness

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/mxarchive/internal/model"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Runs     []string // Run audit lines for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Runs) > 0 {
		fmt.Fprintf(&buf, "\nRuns:\n")
		for i, r := range e.Runs {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, r)
		}
	}
	return buf.String()
}

func (d *Dump) room(id string) (RoomDump, bool) {
	for _, r := range d.Rooms {
		if r.Room.ID == id {
			return r, true
		}
	}
	return RoomDump{}, false
}

func (d *Dump) runLines() []string {
	lines := make([]string, 0, len(d.Runs))
	for _, r := range d.Runs {
		line := fmt.Sprintf("%s ok=%d failed=%d", r.ID, r.RoomsOK, r.RoomsFailed)
		if len(r.Errors) > 0 {
			line += " errors=" + strings.Join(r.Errors, "; ")
		}
		lines = append(lines, line)
	}
	return lines
}

func (d *Dump) fail(typ, expected, actual string) error {
	return &AssertionError{Type: typ, Expected: expected, Actual: actual, Runs: d.runLines()}
}

// assertEventCount checks the number of archived events in a room.
func assertEventCount(d *Dump, a Assertion) error {
	r, ok := d.room(a.Room)
	if !ok {
		return d.fail(a.Type, fmt.Sprintf("%d events in %s", *a.Count, a.Room), "room not archived")
	}
	if len(r.Events) != *a.Count {
		return d.fail(a.Type, fmt.Sprintf("%d events in %s", *a.Count, a.Room), fmt.Sprintf("%d events", len(r.Events)))
	}
	return nil
}

// assertCursor checks the state and position of one cursor.
func assertCursor(d *Dump, a Assertion) error {
	var c model.Cursor
	switch model.Scope(a.Scope) {
	case model.ScopeDevices:
		c = d.DevicesCursor
		if c.Entity != a.Entity {
			return d.fail(a.Type, fmt.Sprintf("devices cursor for %s", a.Entity), fmt.Sprintf("devices cursor for %s", c.Entity))
		}
	default:
		r, ok := d.room(a.Entity)
		if !ok {
			return d.fail(a.Type, fmt.Sprintf("%s cursor for %s", a.Scope, a.Entity), "room not archived")
		}
		c = r.EventsCursor
		if model.Scope(a.Scope) == model.ScopeMembers {
			c = r.MembersCursor
		}
	}

	expected := describeCursor(a.State, a.Position)
	actual := fmt.Sprintf("%s@%d", c.State, c.Position)
	if a.State != "" && string(c.State) != a.State {
		return d.fail(a.Type, expected, actual)
	}
	if a.Position != nil && c.Position != *a.Position {
		return d.fail(a.Type, expected, actual)
	}
	return nil
}

func describeCursor(state string, position *int64) string {
	switch {
	case state == "":
		return fmt.Sprintf("position %d", *position)
	case position == nil:
		return state
	default:
		return fmt.Sprintf("%s@%d", state, *position)
	}
}

// assertMember checks a user's latest membership in a room.
func assertMember(d *Dump, a Assertion) error {
	expected := fmt.Sprintf("%s %s in %s", a.User, a.Membership, a.Room)
	r, ok := d.room(a.Room)
	if !ok {
		return d.fail(a.Type, expected, "room not archived")
	}
	var latest *model.MembershipSnapshot
	for i := range r.Members {
		if r.Members[i].State.UserID == a.User {
			latest = &r.Members[i]
		}
	}
	if latest == nil {
		return d.fail(a.Type, expected, "no membership snapshots")
	}
	if string(latest.State.Membership) != a.Membership {
		return d.fail(a.Type, expected, fmt.Sprintf("%s at revision %d", latest.State.Membership, latest.Revision))
	}
	return nil
}

// assertMedia checks the materialization status of a content ID.
func assertMedia(d *Dump, a Assertion) error {
	expected := fmt.Sprintf("%s %s", a.ContentID, a.Status)
	for _, r := range d.Rooms {
		for _, m := range r.Media {
			if m.ContentID != a.ContentID {
				continue
			}
			if string(m.Status) != a.Status {
				return d.fail(a.Type, expected, fmt.Sprintf("%s after %d attempt(s)", m.Status, m.Attempts))
			}
			return nil
		}
	}
	return d.fail(a.Type, expected, "media not archived")
}

// assertDevice checks the latest snapshot of a device.
func assertDevice(d *Dump, a Assertion) error {
	expected := fmt.Sprintf("%s/%s present=%t", a.User, a.Device, *a.Present)
	var latest *model.DeviceSnapshot
	for i := range d.Devices {
		s := &d.Devices[i]
		if s.State.UserID == a.User && s.State.DeviceID == a.Device {
			latest = s
		}
	}
	if latest == nil {
		return d.fail(a.Type, expected, "no device snapshots")
	}
	if latest.State.Present != *a.Present {
		return d.fail(a.Type, expected, fmt.Sprintf("present=%t at revision %d", latest.State.Present, latest.Revision))
	}
	return nil
}

// assertVerify checks that the archive has no integrity issues.
func assertVerify(d *Dump, a Assertion) error {
	if len(d.Issues) > 0 {
		return d.fail(a.Type, "no integrity issues", strings.Join(d.Issues, "; "))
	}
	return nil
}

// assertRunCount checks the number of recorded runs.
func assertRunCount(d *Dump, a Assertion) error {
	if len(d.Runs) != *a.Count {
		return d.fail(a.Type, fmt.Sprintf("%d runs", *a.Count), fmt.Sprintf("%d runs", len(d.Runs)))
	}
	return nil
}

// assertFinalState queries a table and verifies expected values.
// Exactly one row must match the where conditions.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, db *sql.DB, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := db.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// More than one match makes the assertion ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML scalar to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case string, int, int64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from state tables.
// Handles type coercion for SQLite values which may be returned as different types.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		if actualStr, ok := actual.(string); ok {
			return exp == actualStr
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		if actualInt, ok := actual.(int); ok {
			return exp == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		// SQLite stores booleans as integers
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// AssertionContext provides database access for final_state assertions.
type AssertionContext struct {
	DB  *sql.DB
	Ctx context.Context
}

// EvaluateAssertions evaluates all assertions against the archive dump.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(d *Dump, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEventCount:
			err = assertEventCount(d, assertion)
		case AssertCursor:
			err = assertCursor(d, assertion)
		case AssertMember:
			err = assertMember(d, assertion)
		case AssertMedia:
			err = assertMedia(d, assertion)
		case AssertDevice:
			err = assertDevice(d, assertion)
		case AssertVerify:
			err = assertVerify(d, assertion)
		case AssertRunCount:
			err = assertRunCount(d, assertion)
		case AssertFinalState:
			if actx == nil || actx.DB == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.DB, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
