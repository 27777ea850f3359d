package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"reliefsync/internal/storage"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	multipartMemory = 8 << 20
	mediaURLTTL     = 7 * 24 * time.Hour
)

// uploadMedia stores one multipart file under the policy named by upload_preset
// and returns its metadata with a fetchable URL
func (d Dependencies) uploadMedia(w http.ResponseWriter, r *http.Request) {
	if d.Storage == nil {
		WriteError(w, http.StatusServiceUnavailable, "storage_unavailable", "Media storage not configured", d.Log)
		return
	}

	var limit int64
	for _, p := range d.Presets {
		if p.MaxBytes() > limit {
			limit = p.MaxBytes()
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_upload", "Invalid multipart upload", d.Log)
		return
	}

	preset := r.URL.Query().Get("upload_preset")
	if preset == "" {
		preset = r.FormValue("upload_preset")
	}
	policy, ok := d.Presets[preset]
	if !ok {
		WriteError(w, http.StatusBadRequest, "unknown_preset", "Unknown upload preset", d.Log)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_upload", "file field required", d.Log)
		return
	}
	defer file.Close()

	// Sniff the type when the client did not send a useful one
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid_upload", "Failed to read upload", d.Log)
		return
	}
	head = head[:n]
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(head)
	}

	if err := policy.ValidateFile(header.Filename, contentType, header.Size); err != nil {
		WriteError(w, http.StatusBadRequest, "policy_violation", err.Error(), d.Log)
		return
	}

	name := storage.ObjectName(policy.Prefix, header.Filename)
	hasher := sha256.New()
	body := io.TeeReader(io.MultiReader(bytes.NewReader(head), file), hasher)
	if err := d.Storage.Put(r.Context(), name, contentType, body); err != nil {
		d.Log.Error("Failed to store media", zap.String("name", name), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "storage_failed", "Failed to store media", d.Log)
		return
	}

	url, err := d.Storage.PresignGet(r.Context(), name, mediaURLTTL)
	if err != nil {
		d.Log.Error("Failed to sign media URL", zap.String("name", name), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "storage_failed", "Failed to sign media URL", d.Log)
		return
	}

	meta := storage.MediaMetadata{
		Name:   name,
		URL:    url,
		Size:   header.Size,
		MIME:   contentType,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}
	d.Log.Info("Media stored",
		zap.String("name", name),
		zap.String("preset", preset),
		zap.Int64("size", meta.Size),
	)
	writeJSON(w, http.StatusCreated, meta)
}

// serveMedia streams objects written by the local storage backend
func (d Dependencies) serveMedia(w http.ResponseWriter, r *http.Request) {
	if d.Storage == nil {
		http.NotFound(w, r)
		return
	}
	name, err := storage.CleanName(chi.URLParam(r, "*"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_name", "Invalid media name", d.Log)
		return
	}

	rc, err := d.Storage.Get(r.Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "not_found", "Media not found", d.Log)
		return
	}
	if err != nil {
		d.Log.Error("Failed to read media", zap.String("name", name), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "storage_failed", "Failed to read media", d.Log)
		return
	}
	defer rc.Close()

	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	io.Copy(w, rc)
}
