package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Validate checks a model value against its struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return translate(validationErrs)
		}
		return err
	}
	return nil
}

func translate(errs validator.ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, 0, len(errs))
	for _, err := range errs {
		var msg string
		switch err.Tag() {
		case "required", "required_if", "required_without":
			msg = "is required"
		case "oneof":
			msg = fmt.Sprintf("must be one of [%s]", err.Param())
		case "max":
			msg = fmt.Sprintf("must be at most %s", err.Param())
		case "min":
			msg = fmt.Sprintf("must be at least %s", err.Param())
		default:
			msg = fmt.Sprintf("failed %q check", err.Tag())
		}
		out = append(out, ValidationError{Field: err.Field(), Message: msg})
	}
	return out
}
