package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/omeid/uconfig/flat"

	"github.com/tphummel/staging_kit/internal/lib"
)

const (
	TagEnv  = "env"
	TagFlag = "flag"
	TagDesc = "desc"
)

var (
	ErrEnvLoad          = errors.New("error during loading .env file")
	ErrEnvParse         = errors.New("cannot parse environment variable")
	ErrFlagParse        = errors.New("cannot parse flag")
	ErrConfigInvalid    = errors.New("invalid config struct")
	ErrConfigValidation = errors.New("config validation error")
)

// ConfigWithDefaults is a config struct that can fill its own unset fields.
type ConfigWithDefaults interface {
	SetDefaults()
}

// LoadConfig fills cfg from, in increasing precedence, a .env file in the
// working directory, the process environment and the flags in osArgs
// (os.Args when nil). Defaults are applied to whatever is still unset and the
// result is validated.
func LoadConfig(cfg ConfigWithDefaults, osArgs *[]string) error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return lib.WrapError(ErrEnvLoad, err)
	}

	// recursively iterates over each field of the nested struct
	fields, err := flat.View(cfg)
	if err != nil {
		return lib.WrapError(ErrConfigInvalid, err)
	}

	flagset := flag.NewFlagSet("", flag.ContinueOnError)

	for _, field := range fields {
		envName, ok := field.Tag(TagEnv)
		if !ok {
			continue
		}

		// An empty value counts as unset.
		if envValue := os.Getenv(envName); envValue != "" {
			if err := field.Set(envValue); err != nil {
				return lib.WrapError(ErrEnvParse, fmt.Errorf("%s: %w", envName, err))
			}
		}

		flagName, ok := field.Tag(TagFlag)
		if !ok {
			continue
		}

		flagDesc, _ := field.Tag(TagDesc)

		// writes flag value to variable
		flagset.Var(field, flagName, flagDesc)
	}

	args := os.Args
	if osArgs != nil {
		args = *osArgs
	}

	// flags override .env variables
	if len(args) > 0 {
		if err := flagset.Parse(args[1:]); err != nil {
			return lib.WrapError(ErrFlagParse, err)
		}
	}

	cfg.SetDefaults()

	if err := NewValidator().Struct(cfg); err != nil {
		return lib.WrapError(ErrConfigValidation, err)
	}

	return nil
}
