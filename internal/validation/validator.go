package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator checks struct fields against their `validate` tags.
//
// Supported rules:
//
//	required      value must not be the zero value
//	min=N, max=N  numeric bounds, or length bounds for strings and slices
//	oneof=a b c   string must be one of the listed words
//
// Nested structs are validated recursively; errors name the full field path.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct or a pointer to one
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return fmt.Errorf("validate expects a struct, got nil")
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}
	return v.validateStruct(val, "")
}

func (v *Validator) validateStruct(val reflect.Value, prefix string) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}
		field := val.Field(i)
		name := prefix + fieldType.Name

		if tag := fieldType.Tag.Get("validate"); tag != "" && tag != "-" {
			if err := v.validateField(field, tag); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}

		if field.Kind() == reflect.Struct && !isLeafStruct(field.Type()) {
			if err := v.validateStruct(field, name+"."); err != nil {
				return err
			}
		}
	}

	return nil
}

// isLeafStruct reports struct types validated as values, not walked
func isLeafStruct(t reflect.Type) bool {
	return t.PkgPath() == "time" || t.PkgPath() == "net/netip"
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		name, arg, _ := strings.Cut(strings.TrimSpace(rule), "=")

		switch name {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "min", "max":
			limit, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", name, arg)
			}
			got, isLen, ok := measure(field)
			if !ok {
				continue
			}
			if name == "min" && got < limit {
				if isLen {
					return fmt.Errorf("minimum length is %s", arg)
				}
				return fmt.Errorf("must be at least %s", arg)
			}
			if name == "max" && got > limit {
				if isLen {
					return fmt.Errorf("maximum length is %s", arg)
				}
				return fmt.Errorf("must be at most %s", arg)
			}

		case "oneof":
			if field.Kind() != reflect.String {
				continue
			}
			allowed := strings.Fields(arg)
			if !contains(allowed, field.String()) {
				return fmt.Errorf("must be one of [%s], got %q", strings.Join(allowed, " "), field.String())
			}

		case "":
		default:
			return fmt.Errorf("unknown validation rule %q", name)
		}
	}

	return nil
}

// measure returns the quantity min/max compare against, and whether it is
// a length
func measure(field reflect.Value) (float64, bool, bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return float64(field.Len()), true, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), false, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), false, true
	case reflect.Float32, reflect.Float64:
		return field.Float(), false, true
	}
	return 0, false, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
