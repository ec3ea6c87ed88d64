package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/swapflow/pkg/errors"
)

// assetPattern admits ticker symbols ("SOL") and base58 mint addresses.
var assetPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Validator checks request structs. Rejected values are echoed back to the
// client only after markup is stripped.
type Validator struct {
	validator *validator.Validate
	logger    *zap.Logger
	sanitizer *bluemonday.Policy
}

// NewValidator creates a validator with the "asset" tag registered
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON member names rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	out := &Validator{
		validator: v,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}
	out.registerCustomValidators()
	return out
}

// ValidationErrors is the list of rejected fields of one request
type ValidationErrors []apperrors.ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", ve[0].Message)
}

// ValidateStruct validates a struct using its tags. The returned error is a
// ValidationErrors when the input itself is at fault.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		value := fe.Value()
		if str, ok := value.(string); ok {
			value = v.Sanitize(str)
		}
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Value:   value,
			Message: v.getErrorMessage(fe),
			Code:    fe.Tag(),
		})
	}
	v.logger.Debug("Request rejected", zap.Int("fields", len(out)), zap.String("first", out[0].Message))
	return out
}

// Sanitize strips all markup from client input that is about to be echoed
func (v *Validator) Sanitize(input string) string {
	return v.sanitizer.Sanitize(input)
}

func (v *Validator) registerCustomValidators() {
	v.validator.RegisterValidation("asset", func(fl validator.FieldLevel) bool {
		return assetPattern.MatchString(fl.Field().String())
	})
}

func (v *Validator) getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "asset":
		return fmt.Sprintf("%s must be an asset symbol or mint address", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
