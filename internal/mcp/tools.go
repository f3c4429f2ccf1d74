package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// Tool names.
const (
	ToolListDirectory = "list_directory"
	ToolReadFile      = "read_file"
)

var (
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrTooLarge     = errors.New("file exceeds the size limit")
	ErrBinaryFile   = errors.New("binary files cannot be read")
)

var toolSchemas = []ToolSchema{
	{
		Name:        ToolListDirectory,
		Description: "List the entries of a directory under the shared root.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory relative to the root; empty for the root."}}}`),
	},
	{
		Name:        ToolReadFile,
		Description: "Read a text file under the shared root.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File relative to the root."}},"required":["path"]}`),
	},
}

// FileTools implements list_directory and read_file inside a sandbox.
type FileTools struct {
	sandbox      *Sandbox
	maxFileBytes int64
	maxEntries   int
}

// NewFileTools creates file tools. Non-positive limits fall back to 1 MiB
// and 1000 entries.
func NewFileTools(sb *Sandbox, maxFileBytes int64, maxEntries int) *FileTools {
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &FileTools{sandbox: sb, maxFileBytes: maxFileBytes, maxEntries: maxEntries}
}

// Schemas returns the tool descriptions for tools/list.
func (f *FileTools) Schemas() []ToolSchema {
	return append([]ToolSchema(nil), toolSchemas...)
}

// ListDirectory lists path, sorted by name, capped at the entry limit.
func (f *FileTools) ListDirectory(path string) (*Listing, error) {
	abs, err := f.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

	listing := &Listing{Path: f.sandbox.Relative(abs), Entries: []Entry{}}
	for _, d := range dirents {
		if len(listing.Entries) == f.maxEntries {
			listing.Truncated = true
			break
		}
		e := Entry{Name: d.Name(), Type: "other"}
		switch {
		case d.Type()&os.ModeSymlink != 0:
			e.Type = "symlink"
		case d.IsDir():
			e.Type = "directory"
		case d.Type().IsRegular():
			e.Type = "file"
			if fi, err := d.Info(); err == nil {
				e.Size = fi.Size()
			}
		}
		listing.Entries = append(listing.Entries, e)
	}
	return listing, nil
}

// ReadFile returns the text content of path and its detected MIME type.
// Files over the size limit or with non-text content are rejected.
func (f *FileTools) ReadFile(path string) (string, string, error) {
	abs, err := f.sandbox.Resolve(path)
	if err != nil {
		return "", "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", "", err
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}
	if info.Size() > f.maxFileBytes {
		return "", "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, info.Size(), f.maxFileBytes)
	}

	file, err := os.Open(abs)
	if err != nil {
		return "", "", err
	}
	defer file.Close()

	// Read one byte past the limit in case the file grew after Stat.
	data, err := io.ReadAll(io.LimitReader(file, f.maxFileBytes+1))
	if err != nil {
		return "", "", err
	}
	if int64(len(data)) > f.maxFileBytes {
		return "", "", fmt.Errorf("%w: %s", ErrTooLarge, path)
	}

	mtype := mimetype.Detect(data)
	if !isText(mtype) || !utf8.Valid(data) {
		return "", "", fmt.Errorf("%w: %s (%s)", ErrBinaryFile, path, mtype.String())
	}
	return string(data), mtype.String(), nil
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
