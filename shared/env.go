package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is stamped into log lines and the CLI banner.
const Version = "0.3.0"

// EnvParser converts a raw environment value into T.
type EnvParser[T any] func(raw string) (T, error)

func GetenvString(raw string) (string, error) { return raw, nil }

func GetenvInt(raw string) (int, error) { return strconv.Atoi(raw) }

func GetenvBool(raw string) (bool, error) { return strconv.ParseBool(raw) }

func GetenvDuration(raw string) (time.Duration, error) { return time.ParseDuration(raw) }

// Getenv reads key and parses it. An unset or empty key yields def, or
// ErrMissingEnv when required is set.
func Getenv[T any](parse EnvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("%w: %s", ErrMissingEnv, key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", ErrInvalidEnvValue, key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse EnvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
