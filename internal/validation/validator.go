package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates request structs
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct against its `validate` tags
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldType.Name, err)
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

	// Optional pointer fields are only checked when set
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "hex":
			// Hex identifier of exactly N bytes (DevEUI, keys, DevAddr)
			want, err := strconv.Atoi(arg)
			if err != nil {
				continue
			}
			b, err := hex.DecodeString(field.String())
			if err != nil {
				return fmt.Errorf("invalid hex string")
			}
			if len(b) != want {
				return fmt.Errorf("expected %d hex bytes, got %d", want, len(b))
			}

		case "min":
			n, err := strconv.Atoi(arg)
			if err != nil {
				continue
			}
			if err := checkMin(field, n); err != nil {
				return err
			}

		case "max":
			n, err := strconv.Atoi(arg)
			if err != nil {
				continue
			}
			if err := checkMax(field, n); err != nil {
				return err
			}

		case "oneof":
			options := strings.Fields(arg)
			value := fmt.Sprintf("%v", field.Interface())
			found := false
			for _, opt := range options {
				if value == opt {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s", strings.Join(options, ", "))
			}
		}
	}

	return nil
}

func checkMin(field reflect.Value, n int) error {
	switch field.Kind() {
	case reflect.String, reflect.Slice:
		if field.Len() < n {
			return fmt.Errorf("minimum length is %d", n)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Int() < int64(n) {
			return fmt.Errorf("minimum value is %d", n)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if field.Uint() < uint64(n) {
			return fmt.Errorf("minimum value is %d", n)
		}
	}
	return nil
}

func checkMax(field reflect.Value, n int) error {
	switch field.Kind() {
	case reflect.String, reflect.Slice:
		if field.Len() > n {
			return fmt.Errorf("maximum length is %d", n)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Int() > int64(n) {
			return fmt.Errorf("maximum value is %d", n)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if field.Uint() > uint64(n) {
			return fmt.Errorf("maximum value is %d", n)
		}
	}
	return nil
}
