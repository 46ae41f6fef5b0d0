package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ReferenceValue is the payload of a reference-type block.
type ReferenceValue struct {
	TargetType string    `json:"target_type"`
	TargetID   uuid.UUID `json:"target_id"`
}

func jsonNull(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// IsEmptyValue reports whether a raw block value is absent or JSON null.
func IsEmptyValue(raw []byte) bool { return jsonNull(raw) }

// ValidateValue checks a raw JSON value against a block type and config.
// It returns a descriptive error when the payload does not fit the type;
// callers map that to a type_mismatch rejection. A JSON null clears the
// value and is accepted for every type except two-state booleans.
func ValidateValue(t BlockType, cfg BlockConfig, raw []byte) error {
	if jsonNull(raw) {
		if t == BlockBoolean && !cfg.TriState {
			return fmt.Errorf("two-state boolean does not accept null")
		}
		return nil
	}

	switch t {
	case BlockText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("text expects a string: %w", err)
		}
	case BlockRichText:
		// Rich text is an opaque structured document; any JSON object or
		// plain string is accepted.
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("rich_text expects a JSON document: %w", err)
		}
		switch doc.(type) {
		case map[string]any, string:
		default:
			return fmt.Errorf("rich_text expects an object or string")
		}
	case BlockNumber:
		// json.Number decodes quoted strings too; only a bare numeric
		// token is a number value.
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '"' {
			return fmt.Errorf("number expects a numeric value, not a string")
		}
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("number expects a numeric value: %w", err)
		}
		if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
			return fmt.Errorf("number expects a numeric value: %w", err)
		}
	case BlockBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("boolean expects true or false: %w", err)
		}
	case BlockDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("date expects an ISO-8601 string: %w", err)
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return fmt.Errorf("date expects an ISO-8601 date: %w", err)
		}
	case BlockSelect:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("select expects a string option: %w", err)
		}
		if !containsString(cfg.Options, s) {
			return fmt.Errorf("select value %q is not a configured option", s)
		}
	case BlockMultiSelect:
		var ss []string
		if err := json.Unmarshal(raw, &ss); err != nil {
			return fmt.Errorf("multi_select expects an array of strings: %w", err)
		}
		for _, s := range ss {
			if !containsString(cfg.Options, s) {
				return fmt.Errorf("multi_select value %q is not a configured option", s)
			}
		}
	case BlockReference:
		var rv ReferenceValue
		if err := json.Unmarshal(raw, &rv); err != nil {
			return fmt.Errorf("reference expects {target_type, target_id}: %w", err)
		}
		if rv.TargetType == "" || rv.TargetID == uuid.Nil {
			return fmt.Errorf("reference requires target_type and target_id")
		}
		if len(cfg.AllowedTargetTypes) > 0 && !containsString(cfg.AllowedTargetTypes, rv.TargetType) {
			return fmt.Errorf("reference target type %q is not allowed", rv.TargetType)
		}
	default:
		return fmt.Errorf("unsupported block type %q", t)
	}
	return nil
}

// CoerceValue converts a value across a type change during definition sync.
// Same-type values are kept when they still validate against the new
// config. Number to text (or rich text) is preserved as the rendered
// string; every other incompatible change clears the value.
func CoerceValue(oldType, newType BlockType, cfg BlockConfig, raw JSONValue) JSONValue {
	if jsonNull(raw) {
		return nil
	}
	if oldType == newType {
		if err := ValidateValue(newType, cfg, raw); err == nil {
			return raw
		}
		return nil
	}
	if oldType == BlockNumber && (newType == BlockText || newType == BlockRichText) {
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return nil
		}
		s, err := json.Marshal(n.String())
		if err != nil {
			return nil
		}
		return JSONValue(s)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
