package ir

// Version constants for the rule format and engine.
const (
	// RuleFormatVersion is the version of the compiled rule JSON format.
	RuleFormatVersion = "1"

	// EngineVersion is the cascade engine version.
	EngineVersion = "0.1.0"
)
