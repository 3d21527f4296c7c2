package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/xeipuuv/gojsonschema"
)

type definitionFile struct {
	Operation   string               `toml:"operation"    validate:"required,excludesall=/+#"`
	Version     string               `toml:"version"`
	InputSchema string               `toml:"input_schema"`
	States      map[string]stateFile `toml:"states"       validate:"required,min=1,dive"`
}

type stateFile struct {
	Action        string   `toml:"action"         validate:"required,oneof=proceed builtin script await composite"`
	Builtin       string   `toml:"builtin"        validate:"required_if=Action builtin"`
	Script        string   `toml:"script"         validate:"required_if=Action script"`
	OnSuccess     string   `toml:"on_success"`
	OnError       string   `toml:"on_error"`
	OnTimeout     string   `toml:"on_timeout"`
	Next          []string `toml:"next"`
	TimeoutSecond int      `toml:"timeout_second" validate:"gte=0"`
	MaxRetries    int      `toml:"max_retries"    validate:"gte=0,lte=10"`
}

// Parser turns TOML workflow files into definitions.
type Parser struct {
	validate *validator.Validate
	builtins map[string]bool
}

// NewParser creates a parser. When builtins is not empty, builtin actions must name
// one of them.
func NewParser(builtins ...string) *Parser {
	p := &Parser{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		builtins: make(map[string]bool, len(builtins)),
	}

	for _, name := range builtins {
		p.builtins[name] = true
	}

	return p
}

// Parse decodes and validates one definition file. Errors are *DefinitionError.
func (p *Parser) Parse(data []byte, source string) (*Definition, error) {
	var f definitionFile

	err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&f)
	if err != nil {
		return nil, &DefinitionError{File: source, Err: err}
	}

	fail := func(err error) (*Definition, error) {
		return nil, &DefinitionError{Operation: f.Operation, File: source, Err: err}
	}

	err = p.validate.Struct(f)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fail(fmt.Errorf("validation failed: %s", validationErrors[0].Error()))
		}

		return fail(err)
	}

	def := &Definition{
		Operation: f.Operation,
		Version:   f.Version,
		States:    make(map[string]*State, len(f.States)),
		Source:    source,
	}

	if def.Version == "" {
		sum := sha256.Sum256(data)
		def.Version = "sha256-" + hex.EncodeToString(sum[:8])
	}

	for name, sf := range f.States {
		state, err := p.state(name, sf)
		if err != nil {
			return fail(err)
		}

		def.States[name] = state
	}

	err = def.validateGraph()
	if err != nil {
		return fail(err)
	}

	if f.InputSchema != "" {
		def.schema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(f.InputSchema))
		if err != nil {
			return fail(fmt.Errorf("input_schema: %w", err))
		}
	}

	return def, nil
}

func (p *Parser) state(name string, sf stateFile) (*State, error) {
	state := &State{
		Name:       name,
		OnSuccess:  sf.OnSuccess,
		OnFailure:  sf.OnError,
		OnTimeout:  sf.OnTimeout,
		Next:       sf.Next,
		Timeout:    time.Duration(sf.TimeoutSecond) * time.Second,
		MaxRetries: sf.MaxRetries,
	}

	switch ActionKind(sf.Action) {
	case ActionProceed:
		state.Action = Proceed{}
	case ActionAwait:
		state.Action = Await{}
	case ActionComposite:
		state.Action = Composite{}
	case ActionBuiltin:
		if len(p.builtins) > 0 && !p.builtins[sf.Builtin] {
			return nil, fmt.Errorf("state %q: unknown builtin %q", name, sf.Builtin)
		}

		state.Action = Builtin{Name: sf.Builtin}
	case ActionScript:
		fields := strings.Fields(sf.Script)
		if len(fields) == 0 {
			return nil, fmt.Errorf("state %q: empty script", name)
		}

		state.Action = Script{Command: fields[0], Args: fields[1:]}
	default:
		return nil, fmt.Errorf("state %q: unknown action %q", name, sf.Action)
	}

	switch state.Action.(type) {
	case Builtin, Script, Composite:
		if state.OnFailure == "" {
			state.OnFailure = models.StatusFailed
		}
	case Await:
		if state.Timeout > 0 && state.TimeoutTarget() == "" {
			state.OnTimeout = models.StatusFailed
		}
	}

	return state, nil
}
