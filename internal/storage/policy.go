package storage

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Upload presets accepted by the media endpoint
const (
	PresetDamagePhotos   = "damage_photos"
	PresetEmergencyMedia = "emergency_media"
)

// MediaPolicy constrains uploads made under one preset
type MediaPolicy struct {
	Prefix     string   `json:"prefix"`
	MaxFileMB  float64  `json:"maxFileMB"`
	MimeTypes  []string `json:"mime,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
}

// DefaultPresets returns the built-in upload presets
func DefaultPresets() map[string]MediaPolicy {
	return map[string]MediaPolicy{
		PresetDamagePhotos: {
			Prefix:     "damage",
			MaxFileMB:  10,
			MimeTypes:  []string{"image/*"},
			Extensions: []string{"jpg", "jpeg", "png", "webp", "heic"},
		},
		PresetEmergencyMedia: {
			Prefix:     "emergency",
			MaxFileMB:  50,
			MimeTypes:  []string{"image/*", "video/*"},
			Extensions: []string{"jpg", "jpeg", "png", "webp", "heic", "mp4", "mov"},
		},
	}
}

// MaxBytes returns the size limit in bytes
func (p MediaPolicy) MaxBytes() int64 {
	return int64(p.MaxFileMB * 1024 * 1024)
}

// ValidateFile validates a file against the policy
func (p MediaPolicy) ValidateFile(fileName, contentType string, fileSizeBytes int64) error {
	if p.MaxFileMB > 0 && fileSizeBytes > p.MaxBytes() {
		return fmt.Errorf("file size %d bytes exceeds maximum %d bytes (%.2f MB)",
			fileSizeBytes, p.MaxBytes(), p.MaxFileMB)
	}

	if len(p.MimeTypes) > 0 && !p.matchesMimeType(contentType) {
		return fmt.Errorf("content type %s is not allowed. Allowed types: %v",
			contentType, p.MimeTypes)
	}

	if len(p.Extensions) > 0 && !p.matchesExtension(fileName) {
		return fmt.Errorf("file extension is not allowed. Allowed extensions: %v",
			p.Extensions)
	}

	return nil
}

// matchesMimeType checks if contentType matches any of the allowed MIME type patterns
func (p MediaPolicy) matchesMimeType(contentType string) bool {
	// Parameters like "image/png; charset=utf-8" are ignored
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	for _, allowed := range p.MimeTypes {
		// Wildcards like "image/*"
		if strings.HasSuffix(allowed, "/*") {
			prefix := strings.TrimSuffix(allowed, "/*")
			if strings.HasPrefix(mediaType, prefix+"/") {
				return true
			}
		} else if mediaType == allowed {
			return true
		}
	}
	return false
}

func (p MediaPolicy) matchesExtension(fileName string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if ext == "" {
		return false
	}

	for _, allowed := range p.Extensions {
		if ext == strings.TrimPrefix(strings.ToLower(allowed), ".") {
			return true
		}
	}
	return false
}
