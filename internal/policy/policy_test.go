package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lukhas/internal/capability"
)

const samplePolicy = `
version: "2024.1"
default: deny
modules:
  content:
    read: {min_tier: T1}
    write: {min_tier: T2, scopes: [content:write]}
    review: {min_tier: "4", scopes: [content:review]}
  admin:
    "*": {min_tier: T5}
    purge: {effect: deny}
`

func TestParseYAML(t *testing.T) {
	doc, err := Parse([]byte(samplePolicy), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "2024.1", doc.Version)
	assert.Equal(t, EffectDeny, doc.Default)
	assert.Equal(t, []string{"admin", "content"}, doc.ModuleNames())
	assert.Equal(t, 5, doc.RuleCount())

	want := Rule{MinTier: capability.T4, Scopes: []string{"content:review"}, Effect: EffectAllow}
	if diff := cmp.Diff(want, doc.Modules["content"]["review"]); diff != "" {
		t.Errorf("review rule mismatch (-want +got):\n%s", diff)
	}

	purge := doc.Modules["admin"]["purge"]
	assert.Equal(t, capability.T1, purge.MinTier)
	assert.Equal(t, EffectDeny, purge.Effect)
}

func TestParseJSON(t *testing.T) {
	data := `{"modules": {"chat": {"post": {"min_tier": "T2"}}}}`
	doc, err := Parse([]byte(data), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, doc.Default)
	assert.NotEmpty(t, doc.Version, "version falls back to the digest")
	assert.Equal(t, doc.Digest, doc.Version)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown tier":   `modules: {a: {b: {min_tier: T9}}}`,
		"unknown effect": `modules: {a: {b: {min_tier: T1, effect: maybe}}}`,
		"bad default":    "default: sometimes\nmodules: {a: {b: {}}}",
		"empty actions":  `modules: {a: {}}`,
		"empty scope":    `modules: {a: {b: {scopes: [""]}}}`,
		"empty module":   `modules: {"": {b: {}}}`,
		"empty action":   `modules: {a: {"": {}}}`,
		"no modules":     `version: "1"`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src), FormatYAML)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse([]byte("modules: [unterminated"), FormatYAML)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestLookup(t *testing.T) {
	doc, err := Parse([]byte(samplePolicy), FormatYAML)
	require.NoError(t, err)

	_, key, ok := doc.Lookup("content", "write")
	assert.True(t, ok)
	assert.Equal(t, "write", key)

	r, key, ok := doc.Lookup("admin", "reindex")
	assert.True(t, ok)
	assert.Equal(t, Wildcard, key)
	assert.Equal(t, capability.T5, r.MinTier)

	_, _, ok = doc.Lookup("content", "delete")
	assert.False(t, ok)
	_, _, ok = doc.Lookup("billing", "read")
	assert.False(t, ok)
}

func TestLoadPicksFormatByExtension(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "matrix.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"modules":{"a":{"b":{}}}}`), 0644))
	_, err := Load(jsonPath)
	require.NoError(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	assert.Equal(t, FormatJSON, FormatFor("x.JSON"))
	assert.Equal(t, FormatYAML, FormatFor("x.yml"))
}
