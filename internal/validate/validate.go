// Package validate wraps go-playground/validator and reports failures as
// errs.KindValidation with JSON field names.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"tourist-safety/monitor/internal/errs"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Use JSON tag names instead of struct field names for error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})

	return &Validator{validate: v}
}

// Struct validates i and returns nil or an *errs.Error carrying the
// first failing field in its context.
func (v *Validator) Struct(i any) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.KindValidation, err, "invalid input")
	}
	return errs.New(errs.KindValidation, format(verrs)).
		WithContext("field", verrs[0].Namespace())
}

func format(verrs validator.ValidationErrors) string {
	messages := make([]string, 0, len(verrs))
	for _, err := range verrs {
		field := err.Field()

		var message string
		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("%s is required", field)
		case "email":
			message = fmt.Sprintf("%s must be a valid email address", field)
		case "e164":
			message = fmt.Sprintf("%s must be an E.164 phone number", field)
		case "oneof":
			message = fmt.Sprintf("%s must be one of [%s]", field, err.Param())
		case "max":
			message = fmt.Sprintf("%s must be at most %s", field, err.Param())
		case "gte":
			message = fmt.Sprintf("%s must be greater than or equal to %s", field, err.Param())
		case "lte":
			message = fmt.Sprintf("%s must be less than or equal to %s", field, err.Param())
		case "unique":
			message = fmt.Sprintf("%s must not repeat %s", field, strings.ToLower(err.Param()))
		case "lt":
			message = fmt.Sprintf("%s must be less than %s", field, err.Param())
		default:
			message = fmt.Sprintf("%s failed validation for %s", field, err.Tag())
		}
		messages = append(messages, message)
	}
	return strings.Join(messages, "; ")
}
