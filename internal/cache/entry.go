package cache

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Entry is one row of the cache table.
type Entry struct {
	ID        int64
	Kind      string
	Key       string
	ParentID  sql.NullInt64
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DataAs unmarshals Data into v.
func (e *Entry) DataAs(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Filter is one (json_path, value) equality test passed to List.
// Value is compared against whatever json_extract(data, '$.<path>') yields,
// so it is typically a string, number, or bool.
type Filter struct {
	Path  string
	Value any
}
