package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvVars_WithDefault(t *testing.T) {
	os.Unsetenv("CONDUCTOR_TEST_VAR")
	assert.Equal(t, "fallback", expandEnvVars("${CONDUCTOR_TEST_VAR:-fallback}"))

	os.Setenv("CONDUCTOR_TEST_VAR", "set")
	defer os.Unsetenv("CONDUCTOR_TEST_VAR")
	assert.Equal(t, "set", expandEnvVars("${CONDUCTOR_TEST_VAR:-fallback}"))
}

func TestExpandEnvVars_BracedAndSimple(t *testing.T) {
	os.Setenv("CONDUCTOR_TEST_HOST", "localhost")
	defer os.Unsetenv("CONDUCTOR_TEST_HOST")

	assert.Equal(t, "localhost", expandEnvVars("${CONDUCTOR_TEST_HOST}"))
	assert.Equal(t, "localhost", expandEnvVars("$CONDUCTOR_TEST_HOST"))
}

func TestExpandEnvVarsInData_WalksNestedStructures(t *testing.T) {
	os.Setenv("CONDUCTOR_TEST_NESTED", "nested-value")
	defer os.Unsetenv("CONDUCTOR_TEST_NESTED")

	data := map[string]any{
		"key": "${CONDUCTOR_TEST_NESTED}",
		"list": []any{"$CONDUCTOR_TEST_NESTED", "plain"},
	}
	out := expandEnvVarsInData(data).(map[string]any)
	assert.Equal(t, "nested-value", out["key"])
	assert.Equal(t, "nested-value", out["list"].([]any)[0])
	assert.Equal(t, "plain", out["list"].([]any)[1])
}
