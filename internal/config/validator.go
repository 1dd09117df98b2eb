package config

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator whose errors name fields by their
// environment variable.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get(TagEnv); name != "" {
			return name
		}
		return f.Name
	})
	return v
}
