package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func requestActivation(path string, headers map[string]any) map[string]any {
	return map[string]any{
		"request": map[string]any{
			"method":  "GET",
			"path":    path,
			"mode":    "",
			"accept":  "",
			"headers": headers,
		},
	}
}

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(request.headers, "x-reader") == "embedded"`)
	require.NoError(t, err)

	activation := requestActivation("/", map[string]any{"x-reader": "embedded"})
	matched, err := program.EvalBool(activation)
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing key")

	missingProgram, err := env.Compile(`lookup(request.headers, "missing") == "value"`)
	require.NoError(t, err)
	matched, err = missingProgram.EvalBool(activation)
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`"text"`)
	require.Error(t, err)
	_, err = env.Compile(`   `)
	require.Error(t, err)
	_, err = env.Compile(`request.path.startsWith(`)
	require.Error(t, err)
}

func TestPathRule(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`request.path.startsWith("/appendix/")`)
	require.NoError(t, err)

	matched, err := program.EvalBool(requestActivation("/appendix/a.html", map[string]any{}))
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = program.EvalBool(requestActivation("/chapters/a.html", map[string]any{}))
	require.NoError(t, err)
	require.False(t, matched)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

func TestUninitializedProgram(t *testing.T) {
	_, err := Program{}.EvalBool(nil)
	require.Error(t, err)
}
