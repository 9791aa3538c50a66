package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/cascade/internal/ir"
)

// marshalObject converts an IRObject to canonical JSON TEXT for storage.
// Canonical text is what querysql's json_extract comparisons rely on.
func marshalObject(obj ir.IRObject) (string, error) {
	if obj == nil {
		obj = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalObject parses stored JSON TEXT. Integers decode through
// json.Number, so values beyond 2^53 survive.
func unmarshalObject(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
