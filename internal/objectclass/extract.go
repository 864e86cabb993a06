package objectclass

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Object is one uploaded row after extraction: the origin identity pair plus
// the class-specific field values.
type Object struct {
	OriginClientID       int64
	OriginClientObjectID int64
	Deleted              bool
	Fields               map[string]any
}

// Wire keys a client may send alongside the class fields. serverObjectId and
// lastSync are server-assigned but tolerated as echoes of a prior download.
var metaKeys = map[string]bool{
	"originClientId":        true,
	"originClientObjectId":  true,
	"lastUpdatedByClientId": true,
	"serverObjectId":        true,
	"lastSync":              true,
	"deleted":               true,
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Extract validates one decoded JSON object against the descriptor. Unknown
// keys are rejected; the origin identity pair is required.
func (d Descriptor) Extract(item map[string]any) (Object, error) {
	obj := Object{Fields: make(map[string]any, len(d.Fields))}

	fields := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		fields[f] = true
	}

	for k := range item {
		if !metaKeys[k] && !fields[k] {
			return Object{}, fmt.Errorf("unknown field %q for object class %s", k, d.Name)
		}
	}

	v, ok := item["originClientId"]
	if !ok {
		return Object{}, fmt.Errorf("missing originClientId")
	}
	if obj.OriginClientID, ok = asInt64(v); !ok {
		return Object{}, fmt.Errorf("invalid originClientId")
	}

	v, ok = item["originClientObjectId"]
	if !ok {
		return Object{}, fmt.Errorf("missing originClientObjectId")
	}
	if obj.OriginClientObjectID, ok = asInt64(v); !ok {
		return Object{}, fmt.Errorf("invalid originClientObjectId")
	}

	if del, ok := item["deleted"]; ok {
		b, ok := del.(bool)
		if !ok {
			return Object{}, fmt.Errorf("invalid deleted flag")
		}
		obj.Deleted = b
	}

	for _, f := range d.Fields {
		if v, ok := item[f]; ok {
			obj.Fields[f] = v
		}
	}

	return obj, nil
}

// ScanRows maps a result set from one of the descriptor selects to wire
// objects, translating column names to their JSON keys.
func ScanRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	objects := make([]map[string]any, 0)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan object row: %w", err)
		}

		obj := make(map[string]any, len(values))
		for i, fd := range fields {
			obj[WireKey(fd.Name)] = values[i]
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate object rows: %w", err)
	}

	return objects, nil
}
