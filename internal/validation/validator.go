// Package validation holds the shared struct validator and the custom tags
// used across the fleet server.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const (
	// MinDeviceIDLength is the shortest accepted device identity
	MinDeviceIDLength = 3
	// MaxDeviceIDLength is the longest accepted device identity
	MaxDeviceIDLength = 128
)

// DeviceIDTag is the struct tag for device identities.
const DeviceIDTag = "deviceid"

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_:.\-]+$`)

var (
	shared     *validator.Validate
	sharedOnce sync.Once
)

// New creates a validator with the custom tags registered and JSON field
// names in errors.
func New() *validator.Validate {
	v := validator.New()

	// Registration only fails on an empty tag or nil func.
	if err := v.RegisterValidation(DeviceIDTag, isDeviceID); err != nil {
		panic(fmt.Sprintf("validation: register %q: %v", DeviceIDTag, err))
	}

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Default returns the process-wide validator
func Default() *validator.Validate {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

// DeviceID checks id against the deviceid tag with the shared validator
func DeviceID(id string) error {
	return Default().Var(id, DeviceIDTag)
}

// Struct validates s with the shared validator
func Struct(s interface{}) error {
	return Default().Struct(s)
}

// IsDeviceID reports whether id is 3 to 128 characters drawn from letters,
// digits and - _ : .
func IsDeviceID(id string) bool {
	return len(id) >= MinDeviceIDLength && len(id) <= MaxDeviceIDLength && deviceIDPattern.MatchString(id)
}

func isDeviceID(fl validator.FieldLevel) bool {
	return IsDeviceID(fl.Field().String())
}

// FieldError is one failed rule in a form suitable for API responses
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Describe converts validator errors to field messages. Other errors yield
// a single entry without a field.
func Describe(err error) []FieldError {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Message: formatFieldError(fe)})
	}
	return out
}

// formatFieldError formats validation error messages
func formatFieldError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case DeviceIDTag:
		return fmt.Sprintf("%s must be %d-%d characters of letters, digits, '-', '_', ':' or '.'",
			field, MinDeviceIDLength, MaxDeviceIDLength)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
