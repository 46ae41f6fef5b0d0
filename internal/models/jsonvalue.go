package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// JSONValue is a raw JSON column that tolerates scalar payloads. sqlite
// gives JSON-typed columns numeric affinity, so a bare 42 is handed back
// by the driver as int64 rather than text; Scan re-encodes such values
// into their JSON form instead of failing the row.
type JSONValue []byte

func (j JSONValue) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSONValue) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = []byte(v)
	case int64:
		*j = strconv.AppendInt(nil, v, 10)
	case float64:
		*j = strconv.AppendFloat(nil, v, 'g', -1, 64)
	case bool:
		*j = strconv.AppendBool(nil, v)
	default:
		return fmt.Errorf("cannot scan %T into JSONValue", value)
	}
	return nil
}

func (j JSONValue) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONValue) UnmarshalJSON(b []byte) error {
	*j = append((*j)[:0], b...)
	return nil
}

func (JSONValue) GormDataType() string { return "json" }

func (JSONValue) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "sqlite":
		return "TEXT"
	}
	return "JSON"
}
