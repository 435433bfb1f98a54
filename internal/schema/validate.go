package schema

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/kvpipe/internal/record"
)

// validate is a singleton validator instance with the keypath tag
// registered.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("keypath", func(fl validator.FieldLevel) bool {
		return record.ValidKeyPath(fl.Field().String())
	})
	return v
}

func validateOptions(name string, opts Options) error {
	if name == "" {
		return errors.New("store name is required")
	}
	if err := validate.Struct(opts); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "keypath":
			return fmt.Errorf("%s: invalid key path %q", field, e.Value())
		case "unique":
			return fmt.Errorf("%s: duplicate %s", field, e.Param())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}
