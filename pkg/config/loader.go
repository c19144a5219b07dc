package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf returns the format implied by the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config file extension: %q", filepath.Ext(path))
	}
}

const schemaFile = "sequencer-schema.cue"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Loader reads configuration files, checks them against the configuration
// schema and decodes them over the defaults.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename(schemaFile)).
		LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})

	return &Loader{
		ctx:      ctx,
		schema:   schema,
		validate: v,
	}
}

// Load reads the configuration at path. The format follows the extension.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads the configuration at path. The format follows the extension.
func (l *Loader) Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(path, data, format)
}

// Parse decodes a configuration document. name is used in error positions.
// Fields the document leaves out keep their default values.
func (l *Loader) Parse(name string, data []byte, format Format) (*Config, error) {
	var (
		doc []byte
		err error
	)
	switch format {
	case FormatCUE:
		doc, err = l.exportCUE(name, data)
	case FormatYAML, FormatJSON:
		doc, err = l.checkYAML(name, data)
	default:
		err = fmt.Errorf("unsupported config format: %q", format)
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exportCUE evaluates a CUE document against the schema and exports it as
// JSON.
func (l *Loader) exportCUE(name string, data []byte) ([]byte, error) {
	val := l.ctx.CompileString(string(data), cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, l.convertCUEErrors(name, err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, l.convertCUEErrors(name, err)
	}

	doc, err := unified.MarshalJSON()
	if err != nil {
		return nil, l.convertCUEErrors(name, err)
	}
	return doc, nil
}

// checkYAML checks a YAML or JSON document against the schema and returns it
// unchanged.
func (l *Loader) checkYAML(name string, data []byte) ([]byte, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}
	if raw == nil {
		return data, nil
	}

	val := l.ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return nil, l.convertCUEErrors(name, err)
	}
	if err := l.schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return nil, l.convertCUEErrors(name, err)
	}
	return data, nil
}

// convertCUEErrors converts CUE errors to validation errors. Positions inside
// the schema are dropped.
func (l *Loader) convertCUEErrors(name string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    name,
			Path:    cuePath(e.Path()),
			Message: cueerrors.Details(e, nil),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == name {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: name, Message: err.Error()})
	}
	return out
}

// Validate checks a decoded configuration.
func (l *Loader) Validate(cfg *Config) error {
	var out ValidationErrors

	if err := l.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fieldMessage(fe),
			})
		}
	}

	if err := cfg.Telemetry.Validate(); err != nil {
		out = append(out, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if cfg.Store.Enabled && cfg.Store.SQLite.Path == "" {
		out = append(out, ValidationError{Path: "store.sqlite.path", Message: "required when the store is enabled"})
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

// Validate checks a configuration with a fresh loader.
func (c *Config) Validate() error {
	return NewLoader().Validate(c)
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// cuePath drops the schema definition from a CUE error path.
func cuePath(path []string) string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "identifier":
		return fmt.Sprintf("%q is not a valid variable name", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
