package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// einPattern is the canonical employer identification number form.
var einPattern = regexp.MustCompile(`^\d{2}-\d{7}$`)

// Schema defines the structure parsed data must satisfy.
type Schema struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []Field `json:"fields" yaml:"fields"`

	target   reflect.Type // Original struct type for unmarshaling
	validate *validator.Validate
}

// SchemaOption configures schema creation.
type SchemaOption func(*schemaBuilder)

type schemaBuilder struct {
	description string
	name        string
}

// WithDescription sets the schema description (doubles as LLM context).
func WithDescription(desc string) SchemaOption {
	return func(b *schemaBuilder) {
		b.description = desc
	}
}

// WithName overrides the schema name derived from the struct type.
func WithName(name string) SchemaOption {
	return func(b *schemaBuilder) {
		b.name = name
	}
}

// newValidator builds the validator with domain formats registered.
func newValidator() *validator.Validate {
	v := validator.New()
	// ein: NN-NNNNNNN employer identification number
	_ = v.RegisterValidation("ein", func(fl validator.FieldLevel) bool {
		return einPattern.MatchString(fl.Field().String())
	})
	return v
}

// NewSchema creates a Schema from a struct type using reflection.
func NewSchema[T any](opts ...SchemaOption) (Schema, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return Schema{}, fmt.Errorf("schema must be created from a struct type")
	}

	builder := &schemaBuilder{}
	for _, opt := range opts {
		opt(builder)
	}

	fields, err := extractFields(t)
	if err != nil {
		return Schema{}, err
	}

	name := builder.name
	if name == "" {
		name = t.Name()
	}
	return Schema{
		Name:        name,
		Description: builder.description,
		Fields:      fields,
		target:      t,
		validate:    newValidator(),
	}, nil
}

// FromFile loads a schema from a JSON or YAML file.
func FromFile(path string) (Schema, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- operator-supplied schema path
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read schema file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FromJSON(data)
	case ".yaml", ".yml":
		return FromYAML(data)
	default:
		return Schema{}, fmt.Errorf("unsupported schema file format: %s", filepath.Ext(path))
	}
}

// FromJSON creates a schema from JSON data.
func FromJSON(data []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to parse JSON schema: %w", err)
	}
	s.validate = newValidator()
	return s, nil
}

// FromYAML creates a schema from YAML data.
func FromYAML(data []byte) (Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to parse YAML schema: %w", err)
	}
	s.validate = newValidator()
	return s, nil
}

// extractFields recursively extracts field definitions from a struct type.
func extractFields(t reflect.Type) ([]Field, error) {
	fields := make([]Field, 0, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		field := Field{
			Name:        getJSONName(sf),
			Description: sf.Tag.Get("description"),
			Required:    !hasOmitempty(sf),
			Validators:  parseValidators(sf.Tag.Get("validate")),
		}

		if examples := sf.Tag.Get("examples"); examples != "" {
			field.Examples = strings.Split(examples, ",")
		}
		if enum := sf.Tag.Get("enum"); enum != "" {
			field.Enum = strings.Split(enum, ",")
		}
		applyBoundValidators(&field)

		fieldType := sf.Type
		if fieldType.Kind() == reflect.Ptr {
			fieldType = fieldType.Elem()
			field.Required = false
		}

		switch fieldType.Kind() {
		case reflect.String:
			field.Type = TypeString
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			field.Type = TypeInteger
		case reflect.Float32, reflect.Float64:
			field.Type = TypeNumber
		case reflect.Bool:
			field.Type = TypeBoolean
		case reflect.Slice:
			field.Type = TypeArray
			itemField, err := extractFieldFromType(fieldType.Elem())
			if err != nil {
				return nil, err
			}
			field.Items = &itemField
		case reflect.Struct:
			field.Type = TypeObject
			props, err := extractFields(fieldType)
			if err != nil {
				return nil, err
			}
			field.Properties = props
		case reflect.Map:
			field.Type = TypeObject
		case reflect.Interface:
			// any-typed fields accept whatever the source provides
			field.Type = TypeObject
		default:
			return nil, fmt.Errorf("unsupported field type: %v for field %s", fieldType.Kind(), sf.Name)
		}

		fields = append(fields, field)
	}

	return fields, nil
}

// applyBoundValidators lifts gte/lte validator params into the field's
// Minimum/Maximum so bounds survive into JSON Schema and map validation.
func applyBoundValidators(field *Field) {
	for _, v := range field.Validators {
		switch {
		case strings.HasPrefix(v, "gte="):
			if f, err := strconv.ParseFloat(strings.TrimPrefix(v, "gte="), 64); err == nil {
				field.Minimum = &f
			}
		case strings.HasPrefix(v, "lte="):
			if f, err := strconv.ParseFloat(strings.TrimPrefix(v, "lte="), 64); err == nil {
				field.Maximum = &f
			}
		case strings.HasPrefix(v, "oneof="):
			if len(field.Enum) == 0 {
				field.Enum = strings.Split(strings.TrimPrefix(v, "oneof="), " ")
			}
		}
	}
}

// extractFieldFromType extracts a Field definition from a reflect.Type.
func extractFieldFromType(t reflect.Type) (Field, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	field := Field{}

	switch t.Kind() {
	case reflect.String:
		field.Type = TypeString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		field.Type = TypeInteger
	case reflect.Float32, reflect.Float64:
		field.Type = TypeNumber
	case reflect.Bool:
		field.Type = TypeBoolean
	case reflect.Slice:
		field.Type = TypeArray
		itemField, err := extractFieldFromType(t.Elem())
		if err != nil {
			return Field{}, err
		}
		field.Items = &itemField
	case reflect.Struct:
		field.Type = TypeObject
		props, err := extractFields(t)
		if err != nil {
			return Field{}, err
		}
		field.Properties = props
	case reflect.Map, reflect.Interface:
		field.Type = TypeObject
	default:
		return Field{}, fmt.Errorf("unsupported type: %v", t.Kind())
	}

	return field, nil
}

// getJSONName returns the JSON field name from struct tags.
func getJSONName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "" || tag == "-" {
		return sf.Name
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		return parts[0]
	}
	return sf.Name
}

// hasOmitempty checks if the json tag contains omitempty.
func hasOmitempty(sf reflect.StructField) bool {
	tag := sf.Tag.Get("json")
	return strings.Contains(tag, "omitempty")
}

// parseValidators extracts validator tags.
func parseValidators(tag string) []string {
	if tag == "" {
		return nil
	}
	return strings.Split(tag, ",")
}

// Unmarshal parses JSON into the target struct type, or a map for schemas
// loaded from files.
func (s Schema) Unmarshal(data []byte) (any, error) {
	if s.target == nil {
		var result map[string]any
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal: %w", err)
		}
		return result, nil
	}

	v := reflect.New(s.target).Interface()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return v, nil
}

// Validate checks the data against the schema. Structs go through the
// validator tags; maps (all collector-parsed JSON) go through field-level
// type, bound, enum and format checks.
func (s Schema) Validate(data any) []ValidationError {
	if s.validate == nil {
		return nil
	}

	if m, ok := data.(map[string]any); ok {
		return s.validateMap(m)
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	err := s.validate.Struct(data)
	if err == nil {
		return nil
	}

	var errors []ValidationError
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return []ValidationError{{Field: s.Name, Message: err.Error()}}
	}
	for _, e := range verrs {
		errors = append(errors, ValidationError{
			Field:   e.Field(),
			Message: formatValidationError(e),
			Value:   e.Value(),
		})
	}
	return errors
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// validateMap validates a parsed-JSON map against the schema fields.
func (s Schema) validateMap(data map[string]any) []ValidationError {
	var errors []ValidationError

	for _, field := range s.Fields {
		val, exists := data[field.Name]
		if field.Required && !exists {
			errors = append(errors, ValidationError{
				Field:   field.Name,
				Message: "required field is missing",
			})
			continue
		}
		if !exists {
			continue
		}
		errors = append(errors, validateFieldValue(field, field.Name, val)...)
	}

	return errors
}

// validateFieldValue checks one value against its field's type, bounds,
// enum and declared validators.
func validateFieldValue(field Field, path string, val any) []ValidationError {
	if val == nil {
		if field.Required {
			return []ValidationError{{Field: path, Message: "value is null but field is required"}}
		}
		return nil
	}

	var errors []ValidationError
	fail := func(msg string) {
		errors = append(errors, ValidationError{Field: path, Message: msg, Value: val})
	}

	switch field.Type {
	case TypeString:
		str, ok := val.(string)
		if !ok {
			fail(fmt.Sprintf("expected string, got %T", val))
			break
		}
		if len(field.Enum) > 0 && !inEnum(field.Enum, str) {
			fail(fmt.Sprintf("value %q not in %v", str, field.Enum))
		}
		for _, v := range field.Validators {
			switch v {
			case "ein":
				if !einPattern.MatchString(str) {
					fail("must be an EIN in NN-NNNNNNN form")
				}
			case "url":
				if u, err := url.Parse(str); err != nil || u.Scheme == "" || u.Host == "" {
					fail("must be a valid URL")
				}
			case "email":
				if !strings.Contains(str, "@") || strings.ContainsAny(str, " \t") {
					fail("must be a valid email address")
				}
			}
		}
	case TypeInteger, TypeNumber:
		f, ok := toFloat(val)
		if !ok {
			fail(fmt.Sprintf("expected number, got %T", val))
			break
		}
		if field.Minimum != nil && f < *field.Minimum {
			fail(fmt.Sprintf("value %v below minimum %v", f, *field.Minimum))
		}
		if field.Maximum != nil && f > *field.Maximum {
			fail(fmt.Sprintf("value %v above maximum %v", f, *field.Maximum))
		}
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			fail(fmt.Sprintf("expected boolean, got %T", val))
		}
	case TypeArray:
		arr, ok := val.([]any)
		if !ok {
			fail(fmt.Sprintf("expected array, got %T", val))
			break
		}
		if field.Items != nil {
			for i, item := range arr {
				errors = append(errors, validateFieldValue(*field.Items, fmt.Sprintf("%s[%d]", path, i), item)...)
			}
		}
	case TypeObject:
		obj, ok := val.(map[string]any)
		if !ok {
			fail(fmt.Sprintf("expected object, got %T", val))
			break
		}
		for _, prop := range field.Properties {
			pv, exists := obj[prop.Name]
			if prop.Required && !exists {
				errors = append(errors, ValidationError{
					Field:   path + "." + prop.Name,
					Message: "required field is missing",
				})
				continue
			}
			if exists {
				errors = append(errors, validateFieldValue(prop, path+"."+prop.Name, pv)...)
			}
		}
	}

	return errors
}

// toFloat coerces the numeric types JSON decoding can produce.
func toFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func inEnum(enum []string, val string) bool {
	for _, e := range enum {
		if e == val {
			return true
		}
	}
	return false
}

// formatValidationError creates a human-readable error message.
func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", e.Param())
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "ein":
		return "must be an EIN in NN-NNNNNNN form"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
