package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	validators "github.com/go-playground/validator/v10"
)

// Validator checks decoded request bodies against their struct tags.
type Validator interface {
	ValidateStruct(v any) error
}

type validator struct {
	validate *validators.Validate
}

func NewValidator() Validator {
	v := validators.New(validators.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &validator{validate: v}
}

// ValidateStruct reports every failing field by its JSON path.
func (v *validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	var fields validators.ValidationErrors
	if !errors.As(err, &fields) {
		return err
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, describe(f))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(f validators.FieldError) string {
	path := f.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	switch f.Tag() {
	case "required":
		return path + " is required"
	case "min":
		return fmt.Sprintf("%s must contain at least %s item(s)", path, f.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", path, map[string]string{"gte": ">=", "lte": "<="}[f.Tag()], f.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", path, f.Tag())
	}
}

func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}
