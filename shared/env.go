package shared

import (
	"fmt"
	"os"
	"strconv"
)

// GetenvParser converts the raw value of an environment variable.
type GetenvParser[T any] func(raw string) (T, error)

var GetenvString GetenvParser[string] = func(raw string) (string, error) {
	return raw, nil
}

var GetenvInt GetenvParser[int] = func(raw string) (int, error) {
	return strconv.Atoi(raw)
}

var GetenvBool GetenvParser[bool] = func(raw string) (bool, error) {
	return strconv.ParseBool(raw)
}

// Getenv reads and parses an environment variable. When the variable is unset
// (or empty) the fallback is returned, unless required is set.
func Getenv[T any](parse GetenvParser[T], key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return fallback, fmt.Errorf("%w: %s", ErrMissingEnvKey, key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		return fallback, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv that panics on error.
func MustGetenv[T any](parse GetenvParser[T], key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
