package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cascade/internal/compiler"
	"github.com/roach88/cascade/internal/ir"
)

// LoadResult contains the rules loaded from a rules directory.
type LoadResult struct {
	Rules     []ir.SyncRule
	CUEValue  cue.Value // The unified rulebook, for additional processing
	FileCount int       // Number of CUE files found
}

// LoadError represents an error that occurred during rule loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadRules unifies every .cue file under dir into one rulebook and
// compiles its rules. All files are loaded as a single instance, so a rule
// may be spread across files. Errors are always *LoadError.
func LoadRules(dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("rules directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing rules directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	// Files are passed explicitly so rulebooks need no package clause.
	args := make([]string, len(cueFiles))
	for i, f := range cueFiles {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("resolving %s: %v", f, err)}
		}
		args[i] = "./" + filepath.ToSlash(rel)
	}

	instances := load.Instances(args, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}

	rules, err := compiler.CompileRulebook(value)
	if err != nil {
		return nil, convertCompileError(err)
	}
	if len(rules) == 0 {
		return nil, &LoadError{Code: ErrCodeNoRules, Message: fmt.Sprintf("no sync rules found in %s", dir)}
	}

	return &LoadResult{Rules: rules, CUEValue: value, FileCount: len(cueFiles)}, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths in
// lexical order.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == "cue.mod" {
			return filepath.SkipDir
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeNoRules     = "E008" // Rulebook has no sync rules
	ErrCodeStore       = "E009" // Journal open or read failed

	// Rule errors. Codes match the compiler's lint codes.
	ErrCodeInvalidRule  = "E109" // Malformed rule struct
	ErrCodeInvalidWhen  = compiler.ErrInvalidActionRef
	ErrCodeInvalidCase  = compiler.ErrInvalidCase
	ErrCodeInvalidWhere = compiler.ErrInvalidWhere
	ErrCodeInvalidThen  = compiler.ErrInvalidThen

	// Runtime errors.
	ErrCodeRegister    = "E201" // Rule rejected at registration
	ErrCodeInvoke      = "E202" // Engine refused the invocation
	ErrCodeBadInput    = "E203" // Input is not a JSON object
	ErrCodeScenario    = "E301" // Scenario could not be loaded
	ErrCodeInvalidFlag = "E302" // Flag value rejected
)

// MapFieldToErrorCode maps a compiler error field such as
// "sync.open-bonus.when[0].case" to an error code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "cue":
		return ErrCodeBuildFailed
	case strings.HasSuffix(field, ".case"):
		return ErrCodeInvalidCase
	case strings.Contains(field, ".when"):
		return ErrCodeInvalidWhen
	case strings.Contains(field, ".where"):
		return ErrCodeInvalidWhere
	case strings.Contains(field, ".then"):
		return ErrCodeInvalidThen
	case strings.HasPrefix(field, "sync"):
		return ErrCodeInvalidRule
	default:
		return ErrCodeGeneric
	}
}
