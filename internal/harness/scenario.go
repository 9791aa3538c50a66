package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cascade/internal/ir"
)

// Scenario is one executable test of a rulebook.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// FlowID is the flow every step runs in. Default: test-flow-default.
	FlowID string `yaml:"flow_id,omitempty"`

	// Rules is the path of a CUE rulebook, relative to the scenario file.
	Rules string `yaml:"rules,omitempty"`

	// Rulebook is inline CUE source.
	Rulebook string `yaml:"rulebook,omitempty"`

	// Demo registers the demo Account and Audit concepts and their rules.
	Demo bool `yaml:"demo,omitempty"`

	// Fixpoint enables a bounded fixpoint sweep with this pass limit.
	Fixpoint int `yaml:"fixpoint,omitempty"`

	// MaxSteps overrides the per-cascade step quota.
	MaxSteps int `yaml:"max_steps,omitempty"`

	// Concepts scripts concept behavior by concept and action name.
	Concepts map[string]map[string]ActionScript `yaml:"concepts,omitempty"`

	// Flow contains the top-level invocations, run in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final action log.
	Assertions []Assertion `yaml:"assertions"`
}

// ActionScript fixes the behavior of one scripted action. With no field
// set the action succeeds with an empty output.
type ActionScript struct {
	Output map[string]any `yaml:"output,omitempty"`
	Error  *ScriptError   `yaml:"error,omitempty"`
	Echo   bool           `yaml:"echo,omitempty"`
}

// ScriptError is the failure a scripted action reports.
type ScriptError struct {
	Code    string `yaml:"code"`
	Message string `yaml:"message"`
}

// FlowStep is one top-level invocation.
type FlowStep struct {
	// Invoke is "Concept.action".
	Invoke string `yaml:"invoke"`

	Args map[string]any `yaml:"args"`

	// Expect validates the outcome. If nil, any outcome is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Case is "ok" or "error".
	Case string `yaml:"case"`

	// Output is a subset match against the record's output.
	Output map[string]any `yaml:"output,omitempty"`
}

// Assertion validates the action log after the flow.
type Assertion struct {
	Type    string         `yaml:"type"`
	Action  string         `yaml:"action,omitempty"`
	Args    map[string]any `yaml:"args,omitempty"`
	Count   int            `yaml:"count,omitempty"`
	Actions []string       `yaml:"actions,omitempty"`
	Rules   []string       `yaml:"rules,omitempty"`
	Output  map[string]any `yaml:"output,omitempty"`
	Case    string         `yaml:"case,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertConsumedBy    = "consumed_by"
	AssertCalls         = "calls"
	AssertJournalMatch  = "journal_match"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// The rules path is resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if scenario.Rules != "" && !filepath.IsAbs(scenario.Rules) {
		scenario.Rules = filepath.Join(filepath.Dir(path), scenario.Rules)
	}
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("%s: invalid scenario: %w", path, err)
	}
	return scenario, nil
}

// ParseScenario decodes scenario YAML without validating it.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Rules != "" && s.Rulebook != "" {
		return fmt.Errorf("rules and rulebook are mutually exclusive")
	}
	if s.Rules != "" {
		if _, err := os.Stat(s.Rules); os.IsNotExist(err) {
			return fmt.Errorf("rules file not found: %s", s.Rules)
		}
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Fixpoint < 0 || s.MaxSteps < 0 {
		return fmt.Errorf("fixpoint and max_steps must be non-negative")
	}

	for name, actions := range s.Concepts {
		for action, script := range actions {
			if script.Error != nil && (script.Echo || script.Output != nil) {
				return fmt.Errorf("concepts.%s.%s: error excludes output and echo", name, action)
			}
			if script.Echo && script.Output != nil {
				return fmt.Errorf("concepts.%s.%s: echo excludes output", name, action)
			}
			if script.Error != nil && script.Error.Code == "" {
				return fmt.Errorf("concepts.%s.%s: error code is required", name, action)
			}
		}
	}

	for i, step := range s.Flow {
		if _, _, err := splitAction(step.Invoke); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Args == nil {
			return fmt.Errorf("flow[%d]: args is required (use empty map if no args)", i)
		}
		if step.Expect != nil {
			switch ir.Status(step.Expect.Case) {
			case ir.StatusOK, ir.StatusError:
			default:
				return fmt.Errorf("flow[%d].expect: case must be ok or error, got %q", i, step.Expect.Case)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needAction := func() error {
		if _, _, err := splitAction(a.Action); err != nil {
			return fmt.Errorf("assertions[%d]: %s: %w", index, a.Type, err)
		}
		return nil
	}

	switch a.Type {
	case AssertTraceContains, AssertConsumedBy:
		return needAction()
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount, AssertCalls, AssertJournalMatch:
		if err := needAction(); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
		if a.Type == AssertJournalMatch {
			switch ir.Status(a.Case) {
			case "", ir.StatusOK, ir.StatusError:
			default:
				return fmt.Errorf("assertions[%d]: case must be ok or error, got %q", index, a.Case)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// splitAction splits "Concept.action".
func splitAction(ref string) (string, string, error) {
	conceptName, action, ok := strings.Cut(ref, ".")
	if !ok || conceptName == "" || action == "" {
		return "", "", fmt.Errorf("action %q must be Concept.action", ref)
	}
	return conceptName, action, nil
}
