package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"lukhas/internal/logging"
)

// Uploaded files are stored as <uuid><ext>; nothing else is served.
var uploadNamePattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[a-z0-9]{1,8})?$`)

// allowedUploads are the MIME types (or their ancestors) accepted by POST /files.
var allowedUploads = []string{
	"image/png", "image/jpeg", "image/gif", "image/webp",
	"video/mp4", "audio/mpeg",
	"application/pdf",
	"text/plain",
}

var errUploadTooLarge = errors.New("upload exceeds the size limit")

func allowedUpload(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		for _, a := range allowedUploads {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

type uploadResponse struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.Uploads.MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)

	reader, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "expected a multipart/form-data body")
		return
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			WriteError(w, http.StatusBadRequest, "bad_request", `missing "file" part`)
			return
		}
		if err != nil {
			WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		resp, err := s.saveUpload(part, limit)
		part.Close()
		switch {
		case errors.Is(err, errUploadTooLarge):
			WriteError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("uploads are limited to %d bytes", limit))
		case errors.Is(err, errUnsupportedType):
			WriteError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
		case err != nil:
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				WriteError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("uploads are limited to %d bytes", limit))
				return
			}
			logging.APIError("upload failed: %v", err)
			WriteError(w, http.StatusInternalServerError, "internal_error", "could not store upload")
		default:
			logging.API("stored upload %s (%s, %d bytes) for %s", resp.Name, resp.MIME, resp.Size, subject(r))
			WriteJSON(w, http.StatusCreated, resp)
		}
		return
	}
}

var errUnsupportedType = errors.New("file type not allowed")

// saveUpload sniffs the part, then streams it to a temp file in the upload
// directory and renames it into place.
func (s *Server) saveUpload(part io.Reader, limit int64) (*uploadResponse, error) {
	head := make([]byte, 3072)
	n, err := io.ReadFull(part, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	if n == 0 {
		return nil, fmt.Errorf("%w: empty file", errUnsupportedType)
	}
	if int64(n) > limit {
		return nil, errUploadTooLarge
	}

	mtype := mimetype.Detect(head)
	if !allowedUpload(mtype) {
		return nil, fmt.Errorf("%w: %s", errUnsupportedType, mtype.String())
	}

	dir := s.deps.Uploads.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, io.MultiReader(bytes.NewReader(head), io.LimitReader(part, limit+1-int64(n))))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if written > limit {
		return nil, errUploadTooLarge
	}

	name := uuid.NewString() + mtype.Extension()
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return nil, err
	}
	return &uploadResponse{Name: name, MIME: mtype.String(), Size: written}, nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !uploadNamePattern.MatchString(name) {
		WriteError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}

	f, err := os.Open(filepath.Join(s.deps.Uploads.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		logging.APIError("open upload %s: %v", name, err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "could not read file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal_error", "could not read file")
		return
	}
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal_error", "could not read file")
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		WriteError(w, http.StatusInternalServerError, "internal_error", "could not read file")
		return
	}

	w.Header().Set("Content-Type", mtype.String())
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
