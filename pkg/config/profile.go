package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/datapulse/datapulse/pkg/engine"
)

// Profile is a CUE-defined refinement of the analysis section. Profiles are
// how analysts tune a run without touching the deployment YAML: thresholds,
// role hints and derived columns for one dataset family live in a .cue file
// checked in next to the data.
type Profile struct {
	// Thresholds overrides the engine cutoffs when present.
	Thresholds *engine.Thresholds `json:"thresholds,omitempty"`

	// Method selects the correlation coefficient.
	Method string `json:"method,omitempty" validate:"omitempty,oneof=pearson spearman"`

	// Target restricts correlation findings to pairs touching this column.
	Target string `json:"target,omitempty"`

	UseIsolationForest *bool `json:"use_isolation_forest,omitempty"`

	Hints *RoleHints `json:"hints,omitempty"`

	// Derived columns are appended to those from the YAML.
	Derived []DerivedColumn `json:"derived,omitempty" validate:"dive"`
}

// ParsedProfile is the result of parsing one or more CUE sources.
type ParsedProfile struct {
	Profile Profile `json:"profile"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists parse and validation problems with positions.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is a parse or validation problem with source location.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return e.Message
}

// ProfileParser parses and validates CUE analysis profiles.
type ProfileParser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewProfileParser creates a profile parser with the built-in schemas.
func NewProfileParser() *ProfileParser {
	return &ProfileParser{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Parse loads CUE profile sources (files or directories), unifies them and
// extracts the profile. Parse problems are reported in the result's Errors,
// not as the error return, so callers can show all of them at once.
func (pp *ProfileParser) Parse(sources ...string) (*ParsedProfile, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no profile sources provided")
	}

	var unified cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var files []string
		var errs []ValidationError
		if info.IsDir() {
			val, files, errs = pp.loadDirectory(source)
		} else {
			val, errs = pp.loadFile(source)
			files = []string{source}
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if unified.Exists() {
				unified = unified.Unify(val)
			} else {
				unified = val
			}
		}
		sourceFiles = append(sourceFiles, files...)
	}

	result := &ParsedProfile{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return result, nil
	}

	if err := unified.Err(); err != nil {
		result.Errors = convertCUEErrors(err)
		return result, nil
	}

	pp.extractProfile(unified, result)
	return result, nil
}

// ParseInline parses inline CUE content.
func (pp *ProfileParser) ParseInline(content string) (*ParsedProfile, error) {
	result := &ParsedProfile{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}

	val := pp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		result.Errors = convertCUEErrors(err)
		return result, nil
	}

	pp.extractProfile(val, result)
	return result, nil
}

func (pp *ProfileParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := pp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

func (pp *ProfileParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := pp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// extractProfile decodes the profile struct, preferring a top-level
// "profile" field and falling back to the document root.
func (pp *ProfileParser) extractProfile(val cue.Value, result *ParsedProfile) {
	root := val.LookupPath(cue.ParsePath("profile"))
	if !root.Exists() {
		root = val
	}

	if err := pp.schemas.ValidateValue("profile", root); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Path:     "profile",
			Message:  err.Error(),
			Severity: "error",
		})
		return
	}

	var profile Profile
	if err := root.Decode(&profile); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Path:     "profile",
			Message:  fmt.Sprintf("failed to decode profile: %v", err),
			Severity: "error",
		})
		return
	}

	if err := pp.validator.Struct(profile); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Path:     "profile",
			Message:  err.Error(),
			Severity: "error",
		})
		return
	}

	result.Profile = profile
}

// Apply merges loaded profiles into the configuration, in order. Returns the
// first profile whose parse reported errors.
func (pp *ProfileParser) Apply(cfg *Config, sources ...string) error {
	if len(sources) == 0 {
		return nil
	}

	parsed, err := pp.Parse(sources...)
	if err != nil {
		return err
	}
	if len(parsed.Errors) > 0 {
		return fmt.Errorf("profile validation failed: %s", parsed.Errors[0].Error())
	}

	p := parsed.Profile
	if p.Thresholds != nil {
		cfg.Analysis.Thresholds = *p.Thresholds
	}
	if p.Method != "" {
		cfg.Analysis.Method = p.Method
	}
	if p.Target != "" {
		cfg.Analysis.Target = p.Target
	}
	if p.UseIsolationForest != nil {
		cfg.Analysis.UseIsolationForest = *p.UseIsolationForest
	}
	if p.Hints != nil {
		cfg.Analysis.Hints = *p.Hints
	}
	cfg.Analysis.DerivedColumns = append(cfg.Analysis.DerivedColumns, p.Derived...)
	return nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}
