// Package objectclass maps protocol object-class names to their schema
// descriptors and builds the parameterised statements the sync handlers run.
package objectclass

import (
	"fmt"
	"sort"
	"strings"
)

// baseColumns are the sync columns every object-class table carries, in
// statement order ahead of the class-specific fields.
var baseColumns = []string{
	"origin_client_id",
	"origin_client_object_id",
	"last_updated_by_client_id",
	"owner_user_id",
	"last_sync",
	"deleted",
}

// jsonKey maps sync columns to their wire names. Class fields pass through
// unchanged.
var jsonKey = map[string]string{
	"id":                        "serverObjectId",
	"origin_client_id":          "originClientId",
	"origin_client_object_id":   "originClientObjectId",
	"last_updated_by_client_id": "lastUpdatedByClientId",
	"last_sync":                 "lastSync",
	"deleted":                   "deleted",
}

// Descriptor describes one synchronizable object class.
type Descriptor struct {
	// Name is the protocol name, e.g. "Product". It is also the value stored
	// in sync_count.object_class.
	Name string

	// Table is the SQL table holding the class rows.
	Table string

	// Fields are the class-specific columns. The wire name and the column
	// name are the same for application fields.
	Fields []string
}

// Registry holds the object classes known to the server. Registration is a
// startup step; lookups by unknown names are a protocol error.
type Registry struct {
	classes map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Descriptor)}
}

// Register adds a descriptor. Registering the same name twice is a
// programming error.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.Table == "" {
		return fmt.Errorf("descriptor needs name and table")
	}
	if _, exists := r.classes[d.Name]; exists {
		return fmt.Errorf("object class %q already registered", d.Name)
	}
	r.classes[d.Name] = d
	return nil
}

// Lookup resolves a protocol class name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.classes[name]
	return d, ok
}

// Names returns the registered class names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns the registry with the application's object classes.
func Default() *Registry {
	r := NewRegistry()
	must(r.Register(Descriptor{Name: "Product", Table: "product", Fields: []string{"name"}}))
	must(r.Register(Descriptor{Name: "Setting", Table: "setting", Fields: []string{"name", "value"}}))
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func (d Descriptor) allColumns() []string {
	return append(append([]string{}, baseColumns...), d.Fields...)
}

func (d Descriptor) selectColumns() string {
	return "id, " + strings.Join(d.allColumns(), ", ")
}

// UpsertSQL builds the insert-or-update statement for one uploaded object.
// Conflict resolution is last-writer-wins by last_sync; the ownership guard
// keeps one user from overwriting another's row with the same origin pair.
func (d Descriptor) UpsertSQL() string {
	cols := d.allColumns()

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var sets []string
	for _, c := range cols[1:] { // origin_client_id keyed, never updated
		if c == "origin_client_object_id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s)
		ON CONFLICT (origin_client_id, origin_client_object_id) DO UPDATE SET
			%s
		WHERE %s.owner_user_id = EXCLUDED.owner_user_id
		  AND EXCLUDED.last_sync >= %s.last_sync
	`, d.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(sets, ",\n\t\t\t"), d.Table, d.Table)
}

// UpsertParams binds the uploaded object to UpsertSQL's placeholders.
func (d Descriptor) UpsertParams(obj Object, clientID, ownerUserID, lastSync int64) []any {
	params := []any{
		obj.OriginClientID,
		obj.OriginClientObjectID,
		clientID,
		ownerUserID,
		lastSync,
		obj.Deleted,
	}
	for _, f := range d.Fields {
		params = append(params, obj.Fields[f])
	}
	return params
}

// SelectWindowSQL reads the rows a syncDown may return: owned by the user,
// written after the client's resume point, and at or below the committed
// watermark. Placeholders: $1 owner, $2 lastSync, $3 watermark.
func (d Descriptor) SelectWindowSQL() string {
	return fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE owner_user_id = $1
		  AND last_sync > $2
		  AND last_sync <= $3
		ORDER BY last_sync, id
	`, d.selectColumns(), d.Table)
}

// SelectAckSQL reads back the server-authoritative identity of an uploaded
// row. The owner filter keeps a forged origin pair from leaking another
// user's row id. Placeholders: $1 origin_client_id, $2
// origin_client_object_id, $3 owner_user_id.
func (d Descriptor) SelectAckSQL() string {
	return fmt.Sprintf(`
		SELECT id, last_sync
		FROM %s
		WHERE origin_client_id = $1
		  AND origin_client_object_id = $2
		  AND owner_user_id = $3
	`, d.Table)
}

// SelectSeedSQL reads the seed dataset served to unauthenticated clients:
// live rows with no owner.
func (d Descriptor) SelectSeedSQL() string {
	return fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE owner_user_id IS NULL
		  AND deleted = FALSE
		ORDER BY id
	`, d.selectColumns(), d.Table)
}

// WireKey translates a column name to its response JSON key.
func WireKey(column string) string {
	if k, ok := jsonKey[column]; ok {
		return k
	}
	return column
}
