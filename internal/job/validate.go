package job

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func init() {
	_ = validate.RegisterValidation("jobname", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
}

// ValidationError reports the first invalid field of a job.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidName reports whether name only uses letters, digits, hyphens and underscores.
func ValidName(name string) bool { return nameRegex.MatchString(name) }

// Validate checks the job and its schedule. It does not check name uniqueness;
// the store does that.
func Validate(j Job) error {
	if err := validate.Struct(j); err != nil {
		return toValidationError(err)
	}
	if !filepath.IsAbs(j.Directory) {
		return errors.WithHint(&ValidationError{Field: "directory", Reason: "must be an absolute path"},
			"pass the full path of the working directory")
	}
	return ValidateSchedule(j.Schedule)
}

// ValidateSchedule checks the fields of the active schedule variant.
func ValidateSchedule(s Schedule) error {
	switch v := s.(type) {
	case Interval:
		if err := validate.Struct(v); err != nil {
			return toValidationError(err)
		}
	case Calendar:
		if err := validate.Struct(v); err != nil {
			return toValidationError(err)
		}
		if v.Weekday != nil && (*v.Weekday < time.Sunday || *v.Weekday > time.Saturday) {
			return &ValidationError{Field: "schedule.weekday", Reason: "must be 0 (Sunday) to 6 (Saturday)"}
		}
	case Once:
	case nil:
		return &ValidationError{Field: "schedule", Reason: "is required"}
	default:
		return &ValidationError{Field: "schedule", Reason: fmt.Sprintf("unsupported type %T", s)}
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errors.Wrap(err, "validate job")
	}
	fe := verrs[0]
	field := strings.ToLower(fe.StructNamespace())
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	ve := &ValidationError{Field: field, Reason: describe(fe)}
	if fe.Tag() == "jobname" {
		return errors.WithHint(ve, "only letters, numbers, hyphens and underscores are allowed")
	}
	return ve
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		if fe.Kind().String() == "string" {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "jobname":
		return fmt.Sprintf("%q contains invalid characters", fe.Value())
	default:
		return "failed " + fe.Tag()
	}
}
