package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/cascade/internal/ir"
)

// Generator produces a fresh value for a Gen term. It is called at most once
// per generator name per fired combination.
type Generator func() (ir.IRValue, error)

// Built-in generator names.
const (
	GenUUID = "uuid"
	GenNow  = "now"
)

func uuidGenerator() (ir.IRValue, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return ir.IRString(id.String()), nil
}

func nowGenerator(now func() time.Time) Generator {
	return func() (ir.IRValue, error) {
		return ir.IRString(now().UTC().Format(time.RFC3339Nano)), nil
	}
}
