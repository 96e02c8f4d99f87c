package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/voyagio/eventbus/pkg/enums"
	"github.com/voyagio/eventbus/pkg/logger"
)

// FieldSpec constrains one payload field. Rules holds extra validator tags
// (e.g. "uuid4", "min=1") applied after the type check.
type FieldSpec struct {
	Type     string
	Required bool
	Rules    string
}

// Field types understood by the registry. Payloads arrive JSON-decoded, so
// numbers show up as float64 and objects as map[string]any.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

// Schema is one versioned payload contract. Evolution is additive only:
// later versions may add optional fields but never tighten existing ones.
type Schema struct {
	Fields map[string]FieldSpec
}

// FieldError is a structured, field-level validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result reports the outcome of one validation.
type Result struct {
	Valid bool
	// Errors is populated only when Valid is false.
	Errors []FieldError
	// AppliedVersion is the schema version actually used, 0 when the
	// admission was unvalidated.
	AppliedVersion int
	// Unvalidated flags a known type with no registered schemas: admitted
	// for forward compatibility, surfaced for observability.
	Unvalidated bool
}

// ValidateInput carries a candidate payload into the registry.
type ValidateInput struct {
	EventType    string
	EventVersion int
	Payload      map[string]any
}

type registryKey struct {
	eventType enums.EventType
	version   int
}

// Registry guards event contracts. Unknown types are rejected outright;
// known types fall back to the latest registered version.
type Registry struct {
	mtx      sync.RWMutex
	schemas  map[registryKey]Schema
	latest   map[enums.EventType]int
	validate *validator.Validate
	logg     *logger.Logger
}

// NewRegistry builds an empty schema registry.
func NewRegistry(logg *logger.Logger) *Registry {
	return &Registry{
		schemas:  make(map[registryKey]Schema),
		latest:   make(map[enums.EventType]int),
		validate: validator.New(),
		logg:     logg,
	}
}

// Register adds a versioned contract. Re-registering an existing
// (type, version) pair is a warn-level no-op, not an error.
func (r *Registry) Register(eventType enums.EventType, version int, schema Schema) error {
	if !eventType.IsValid() {
		return fmt.Errorf("event type %q is not in the catalog", eventType)
	}
	if version < 1 {
		return fmt.Errorf("schema version must be positive, got %d", version)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	key := registryKey{eventType: eventType, version: version}
	if _, exists := r.schemas[key]; exists {
		if r.logg != nil {
			ctx := r.logg.WithFields(context.Background(), map[string]any{
				"event_type":     eventType,
				"schema_version": version,
			})
			r.logg.Warn(ctx, "schema already registered, keeping existing contract")
		}
		return nil
	}

	r.schemas[key] = schema
	if version > r.latest[eventType] {
		r.latest[eventType] = version
	}
	return nil
}

// Versions returns the registered schema versions for a type, unordered.
func (r *Registry) Versions(eventType enums.EventType) []int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := []int{}
	for key := range r.schemas {
		if key.eventType == eventType {
			out = append(out, key.version)
		}
	}
	return out
}

// Validate checks a candidate payload against the registered contract.
func (r *Registry) Validate(ctx context.Context, input ValidateInput) Result {
	eventType, err := enums.ParseEventType(input.EventType)
	if err != nil {
		return Result{Errors: []FieldError{{
			Path:    "event_type",
			Message: fmt.Sprintf("unknown event type %q", input.EventType),
		}}}
	}

	version := input.EventVersion
	if version <= 0 {
		version = 1
	}

	schema, appliedVersion, found := r.resolve(eventType, version)
	if !found {
		if r.logg != nil {
			logCtx := r.logg.WithEventType(ctx, string(eventType))
			r.logg.Warn(logCtx, "no schema registered, admitting unvalidated")
		}
		return Result{Valid: true, Unvalidated: true}
	}

	failures := r.check(schema, input.Payload)
	if len(failures) > 0 {
		return Result{Errors: failures, AppliedVersion: appliedVersion}
	}
	return Result{Valid: true, AppliedVersion: appliedVersion}
}

// resolve picks the schema for the requested version, falling back to the
// latest registered version for older or unregistered producer versions.
func (r *Registry) resolve(eventType enums.EventType, version int) (Schema, int, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if schema, ok := r.schemas[registryKey{eventType: eventType, version: version}]; ok {
		return schema, version, true
	}
	latest, ok := r.latest[eventType]
	if !ok {
		return Schema{}, 0, false
	}
	return r.schemas[registryKey{eventType: eventType, version: latest}], latest, true
}

func (r *Registry) check(schema Schema, payload map[string]any) []FieldError {
	failures := []FieldError{}
	for path, spec := range schema.Fields {
		value, present := payload[path]
		if !present || value == nil {
			if spec.Required {
				failures = append(failures, FieldError{Path: path, Message: "is required"})
			}
			continue
		}
		if msg, ok := checkType(spec.Type, value); !ok {
			failures = append(failures, FieldError{Path: path, Message: msg})
			continue
		}
		if spec.Rules != "" {
			if err := r.validate.Var(value, spec.Rules); err != nil {
				failures = append(failures, FieldError{Path: path, Message: ruleMessage(err, spec.Rules)})
			}
		}
	}
	return failures
}

func checkType(fieldType string, value any) (string, bool) {
	switch fieldType {
	case TypeString:
		if _, ok := value.(string); !ok {
			return "must be a string", false
		}
	case TypeNumber:
		if !isNumber(value) {
			return "must be a number", false
		}
	case TypeInteger:
		if !isInteger(value) {
			return "must be an integer", false
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return "must be a boolean", false
		}
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return "must be an object", false
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return "must be an array", false
		}
	case TypeAny, "":
	default:
		return fmt.Sprintf("schema uses unknown field type %q", fieldType), false
	}
	return "", true
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return v == float64(int64(v))
	case float32:
		return v == float32(int32(v))
	}
	return false
}

func ruleMessage(err error, rules string) string {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		switch errs[0].Tag() {
		case "min":
			return fmt.Sprintf("must be at least %s", errs[0].Param())
		case "max":
			return fmt.Sprintf("must be at most %s", errs[0].Param())
		case "oneof":
			return fmt.Sprintf("must be one of %s", errs[0].Param())
		case "uuid4", "uuid":
			return "must be a valid uuid"
		case "email":
			return "must be a valid email"
		default:
			return fmt.Sprintf("fails rule %q", errs[0].Tag())
		}
	}
	return fmt.Sprintf("fails rules %q", rules)
}
