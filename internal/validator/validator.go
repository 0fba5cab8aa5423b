package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/internal/apperrors"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Get returns a singleton validator instance
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New()

		// Report JSON field names instead of struct field names
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		// target: a bare number or an addressed id ("<user>@<server>")
		_ = validate.RegisterValidation("target", func(fl validator.FieldLevel) bool {
			s := strings.TrimSpace(fl.Field().String())
			if s == "" {
				return false
			}
			if i := strings.IndexByte(s, '@'); i >= 0 {
				return i > 0 && i < len(s)-1
			}
			return strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0
		})
	})
	return validate
}

// Validate validates a struct and returns an error wrapping apperrors.ErrValidation
func Validate(s interface{}) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("field '%s' %s", e.Field(), getErrorMessage(e)))
	}

	return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(messages, "; "))
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	if err := Get().Var(field, tag); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
	}
	return nil
}

func getErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "max":
		return fmt.Sprintf("must not exceed %s characters", e.Param())
	case "target":
		return "must be a number or an addressed chat id"
	default:
		return fmt.Sprintf("failed '%s' validation", e.Tag())
	}
}
