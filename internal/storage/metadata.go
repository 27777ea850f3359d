package storage

import "fmt"

// MediaMetadata describes a stored media object
type MediaMetadata struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	MIME   string `json:"mime"`
	SHA256 string `json:"sha256,omitempty"`
}

// Validate checks that metadata has required fields
func (m MediaMetadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("media name is required")
	}
	if m.URL == "" {
		return fmt.Errorf("media URL is required")
	}
	if m.Size < 0 {
		return fmt.Errorf("media size must be non-negative")
	}
	return nil
}
