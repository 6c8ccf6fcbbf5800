package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringMap is a map[string]string stored as a JSONB column. Used for HTTP
// headers and per-step variable extraction specs.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// AnyMap is a map[string]interface{} stored as a JSONB column. Used for chain
// variables and inbound ping payloads.
type AnyMap map[string]interface{}

func (m AnyMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *AnyMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// StringList is a []string stored as a JSONB column. Used for notification
// address lists.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Condition gates a chain step against the previous step's response.
// A zero condition (empty operator) always evaluates true.
type Condition struct {
	Operator string      `json:"operator"`
	Field    string      `json:"field,omitempty"`
	Expected interface{} `json:"value,omitempty"`
}

// IsZero reports whether no condition is set.
func (c Condition) IsZero() bool {
	return c.Operator == ""
}

func (c Condition) Value() (driver.Value, error) {
	if c.IsZero() {
		return nil, nil
	}
	return json.Marshal(c)
}

func (c *Condition) Scan(src interface{}) error {
	if src == nil {
		*c = Condition{}
		return nil
	}
	return scanJSON(src, c)
}

// scanJSON decodes a JSONB column value into dst, treating NULL and empty as
// the zero value.
func scanJSON(src, dst interface{}) error {
	if src == nil {
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
