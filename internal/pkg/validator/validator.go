package validator

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validations
	registerCustomValidations()
}

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)

func registerCustomValidations() {
	// Idempotency keys: request ids, provider transaction ids
	validate.RegisterValidation("idempotency_key", func(fl validator.FieldLevel) bool {
		return idempotencyKeyPattern.MatchString(fl.Field().String())
	})

	// Plan validation
	validate.RegisterValidation("plan", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "free", "standard", "pro":
			return true
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "email":
			errors[field] = "Invalid email format"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "gt":
			errors[field] = "Value must be greater than " + err.Param()
		case "idempotency_key":
			errors[field] = "Must be 1-128 characters of letters, digits, '.', '_', ':' or '-'"
		case "plan":
			errors[field] = "Invalid plan. Must be: free, standard, or pro"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
