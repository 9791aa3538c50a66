package demo

import (
	_ "embed"
	"fmt"

	"github.com/roach88/cascade/internal/compiler"
	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/ir"
)

//go:embed rules.cue
var rulesSource []byte

// RulesFile is the name the embedded rulebook is compiled under.
const RulesFile = "demo/rules.cue"

// Concepts groups the demo concept instances.
type Concepts struct {
	Account *Account
	Audit   *Audit
}

// Register adds fresh Account and Audit concepts to reg.
func Register(reg *concept.Registry) (*Concepts, error) {
	c := &Concepts{Account: NewAccount(), Audit: NewAudit()}
	if err := reg.Register("Account", c.Account); err != nil {
		return nil, fmt.Errorf("register Account: %w", err)
	}
	if err := reg.Register("Audit", c.Audit); err != nil {
		return nil, fmt.Errorf("register Audit: %w", err)
	}
	return c, nil
}

// Rules compiles the embedded rulebook.
func Rules() ([]ir.SyncRule, error) {
	return compiler.CompileSource(RulesFile, rulesSource)
}

// RulesSource returns the embedded rulebook text.
func RulesSource() []byte {
	return rulesSource
}
