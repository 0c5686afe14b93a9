package dataset

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	labelKeyPattern   = regexp.MustCompile(`^[\p{Ll}\p{Lo}][\p{Ll}\p{Lo}\p{N}_-]{0,62}$`)
	labelValuePattern = regexp.MustCompile(`^[\p{Ll}\p{Lo}\p{N}_-]{0,63}$`)

	validateOnce sync.Once
	structCheck  *validator.Validate
)

// structValidator returns the shared validator with the label rules registered.
func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("labelkey", func(fl validator.FieldLevel) bool {
			return labelKeyPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("labelvalue", func(fl validator.FieldLevel) bool {
			return labelValuePattern.MatchString(fl.Field().String())
		})
		structCheck = v
	})
	return structCheck
}

// structErrors runs the tag rules and renders each violation as a message.
func structErrors(c *Config) []string {
	err := structValidator().Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("Dataset '%s': %v", c.Name, err)}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(c.Name, fe))
	}
	return msgs
}

func describeFieldError(name string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "labelkey":
		return fmt.Sprintf("Dataset '%s': invalid label key %q (lowercase letter first, then up to 62 lowercase letters, digits, '_' or '-')", name, fe.Value())
	case "labelvalue":
		return fmt.Sprintf("Dataset '%s': invalid label value %q (up to 63 lowercase letters, digits, '_' or '-')", name, fe.Value())
	case "gte":
		return fmt.Sprintf("Dataset '%s': %s must be >= %s", name, fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("Dataset '%s': %s failed %s validation", name, fe.Field(), fe.Tag())
	}
}
