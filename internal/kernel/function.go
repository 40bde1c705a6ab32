package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"gokernel/internal/provider"
)

// NameSeparator joins plugin and function names on the wire. Providers accept
// [a-zA-Z0-9_-] in function names, so a hyphen keeps the split unambiguous.
const NameSeparator = "-"

var validName = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// MaxQualifiedNameLength is the longest function name OpenAI accepts.
const MaxQualifiedNameLength = 64

// ErrInvalidArguments indicates arguments that do not satisfy the function schema.
var ErrInvalidArguments = errors.New("invalid function arguments")

// Arguments are the decoded JSON arguments of a function call.
type Arguments map[string]any

// Function is a named, schema-described callable the model may request.
type Function struct {
	PluginName  string
	Name        string
	Description string
	Parameters  *jsonschema.Schema

	resolved *jsonschema.Resolved
	invoke   func(ctx context.Context, args Arguments) (any, error)
}

// NewFunction builds a function whose parameter schema is inferred from T.
// Arguments are validated against the schema and decoded into T.
func NewFunction[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) (*Function, error) {
	if fn == nil {
		return nil, errors.New("function implementation must not be nil")
	}
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema for %s: %w", name, err)
	}
	return NewRawFunction(name, description, schema, func(ctx context.Context, args Arguments) (any, error) {
		var typed T
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		if err := json.Unmarshal(data, &typed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		return fn(ctx, typed)
	})
}

// MustFunction is NewFunction for package-level plugin definitions.
func MustFunction[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) *Function {
	f, err := NewFunction(name, description, fn)
	if err != nil {
		panic(err)
	}
	return f
}

// NewRawFunction builds a function from an explicit schema. A nil schema
// accepts an empty object.
func NewRawFunction(name, description string, schema *jsonschema.Schema, fn func(ctx context.Context, args Arguments) (any, error)) (*Function, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("function name %q must match %s", name, validName)
	}
	if fn == nil {
		return nil, errors.New("function implementation must not be nil")
	}
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for %s: %w", name, err)
	}
	return &Function{
		Name:        name,
		Description: description,
		Parameters:  schema,
		resolved:    resolved,
		invoke:      fn,
	}, nil
}

// FullyQualifiedName is the name advertised to models.
func (f *Function) FullyQualifiedName() string {
	if f.PluginName == "" {
		return f.Name
	}
	return f.PluginName + NameSeparator + f.Name
}

// Definition describes the function for a provider request.
func (f *Function) Definition() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        f.FullyQualifiedName(),
		Description: f.Description,
		Parameters:  f.Parameters,
	}
}

// Invoke validates raw JSON arguments and runs the function.
func (f *Function) Invoke(ctx context.Context, rawArgs string) (any, error) {
	args, err := ParseArguments(rawArgs)
	if err != nil {
		return nil, err
	}
	if err := f.resolved.Validate(map[string]any(args)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return f.invoke(ctx, args)
}

// ParseArguments decodes the model's argument string. Empty input is an
// empty object.
func ParseArguments(raw string) (Arguments, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return Arguments{}, nil
	}
	var args Arguments
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = Arguments{}
	}
	return args, nil
}

// FormatResult renders a function result as tool message content.
func FormatResult(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	case fmt.Stringer:
		return r.String(), nil
	case []byte:
		return string(r), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal function result: %w", err)
	}
	return string(data), nil
}

// Plugin is a named group of functions.
type Plugin struct {
	Name        string
	Description string
	functions   map[string]*Function
}

// NewPlugin groups functions under a plugin name.
func NewPlugin(name, description string, functions ...*Function) (*Plugin, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("plugin name %q must match %s", name, validName)
	}
	p := &Plugin{Name: name, Description: description, functions: make(map[string]*Function, len(functions))}
	for _, f := range functions {
		if f == nil {
			return nil, fmt.Errorf("plugin %s: nil function", name)
		}
		if _, exists := p.functions[f.Name]; exists {
			return nil, fmt.Errorf("plugin %s: duplicate function %q", name, f.Name)
		}
		if n := len(name) + len(NameSeparator) + len(f.Name); n > MaxQualifiedNameLength {
			return nil, fmt.Errorf("plugin %s: qualified name of %q is %d characters, limit is %d", name, f.Name, n, MaxQualifiedNameLength)
		}
		f.PluginName = name
		p.functions[f.Name] = f
	}
	return p, nil
}

// Functions returns the plugin's functions sorted by name.
func (p *Plugin) Functions() []*Function {
	out := make([]*Function, 0, len(p.functions))
	for _, f := range p.functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Function looks up a function by its short name.
func (p *Plugin) Function(name string) (*Function, bool) {
	f, ok := p.functions[name]
	return f, ok
}
