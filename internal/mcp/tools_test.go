package mcp

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func newTools(t *testing.T, maxBytes int64, maxEntries int) (*FileTools, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("hello lukhas\n"))
	writeFile(t, filepath.Join(root, "config.json"), []byte(`{"tier":"T3"}`))
	writeFile(t, filepath.Join(root, "docs", "a.md"), []byte("# a\n"))
	writeFile(t, filepath.Join(root, "image.png"), pngHeader)
	writeFile(t, filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 200)))

	sb, err := NewSandbox(root)
	require.NoError(t, err)
	return NewFileTools(sb, maxBytes, maxEntries), root
}

func TestListDirectory(t *testing.T) {
	tools, _ := newTools(t, 0, 0)

	listing, err := tools.ListDirectory("")
	require.NoError(t, err)
	assert.Equal(t, ".", listing.Path)
	assert.False(t, listing.Truncated)

	want := []Entry{
		{Name: "big.txt", Type: "file", Size: 200},
		{Name: "config.json", Type: "file", Size: 13},
		{Name: "docs", Type: "directory"},
		{Name: "image.png", Type: "file", Size: int64(len(pngHeader))},
		{Name: "notes.txt", Type: "file", Size: 13},
	}
	if diff := cmp.Diff(want, listing.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	sub, err := tools.ListDirectory("docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", sub.Path)
	require.Len(t, sub.Entries, 1)
	assert.Equal(t, "a.md", sub.Entries[0].Name)
}

func TestListDirectoryTruncates(t *testing.T) {
	tools, root := newTools(t, 0, 3)
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(root, "more", fmt.Sprintf("f%d.txt", i)), []byte("x"))
	}

	listing, err := tools.ListDirectory("more")
	require.NoError(t, err)
	assert.True(t, listing.Truncated)
	require.Len(t, listing.Entries, 3)
	assert.Equal(t, "f0.txt", listing.Entries[0].Name)
	assert.Equal(t, "f2.txt", listing.Entries[2].Name)
}

func TestListDirectoryRejectsFiles(t *testing.T) {
	tools, _ := newTools(t, 0, 0)
	_, err := tools.ListDirectory("notes.txt")
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestReadFile(t *testing.T) {
	tools, _ := newTools(t, 100, 0)

	text, mime, err := tools.ReadFile("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello lukhas\n", text)
	assert.True(t, strings.HasPrefix(mime, "text/plain"), mime)

	text, mime, err = tools.ReadFile("config.json")
	require.NoError(t, err)
	assert.Equal(t, `{"tier":"T3"}`, text)
	assert.Equal(t, "application/json", mime)

	tests := []struct {
		path string
		err  error
	}{
		{"image.png", ErrBinaryFile},
		{"big.txt", ErrTooLarge},
		{"docs", ErrIsDirectory},
		{"../notes.txt", ErrOutsideRoot},
		{"/notes.txt", ErrAbsolutePath},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			_, _, err := tools.ReadFile(tc.path)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestReadFileRejectsInvalidUTF8(t *testing.T) {
	tools, root := newTools(t, 0, 0)
	writeFile(t, filepath.Join(root, "latin1.txt"), []byte("caf\xe9 au lait\n"))

	_, _, err := tools.ReadFile("latin1.txt")
	assert.ErrorIs(t, err, ErrBinaryFile)
}

func TestSchemas(t *testing.T) {
	tools, _ := newTools(t, 0, 0)
	schemas := tools.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, ToolListDirectory, schemas[0].Name)
	assert.Equal(t, ToolReadFile, schemas[1].Name)

	schemas[0].Name = "changed"
	assert.Equal(t, ToolListDirectory, tools.Schemas()[0].Name)
}
