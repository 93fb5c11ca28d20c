package utils

import (
	"os"
	"strconv"
)

// GetEnv fetches an environment variable or returns a default value if not set
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvBoolWithDefault parses a boolean environment variable, falling back
// to defaultValue when it is unset or malformed
func GetEnvBoolWithDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
