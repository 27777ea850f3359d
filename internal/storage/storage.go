package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidName = errors.New("invalid object name")
)

// Storage defines the interface for media storage backends
type Storage interface {
	Put(ctx context.Context, objectName, contentType string, reader io.Reader) error
	PresignGet(ctx context.Context, objectName string, expiresIn time.Duration) (string, error)
	Get(ctx context.Context, objectName string) (io.ReadCloser, error)
	Delete(ctx context.Context, objectName string) error
}

// ObjectName returns a fresh object name under prefix keeping the file's extension
func ObjectName(prefix, fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	now := time.Now().UTC()
	return path.Join(prefix, now.Format("2006/01/02"), ulid.Make().String()+ext)
}

// CleanName rejects names that escape the storage root
func CleanName(objectName string) (string, error) {
	if objectName == "" || strings.HasPrefix(objectName, "/") || strings.Contains(objectName, "\\") {
		return "", ErrInvalidName
	}
	cleaned := path.Clean(objectName)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidName
	}
	return cleaned, nil
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
	baseURL string
}

// NewLocalStorage creates a new local filesystem storage backend. Objects are served
// by the API under baseURL + "/media/".
func NewLocalStorage(baseDir, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *LocalStorage) fullPath(objectName string) (string, error) {
	name, err := CleanName(objectName)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}

// PresignGet returns the public URL of an object; local URLs do not expire
func (s *LocalStorage) PresignGet(ctx context.Context, objectName string, expiresIn time.Duration) (string, error) {
	name, err := CleanName(objectName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/media/%s", s.baseURL, name), nil
}

// Put writes the object through a temporary file so readers never see a partial upload
func (s *LocalStorage) Put(ctx context.Context, objectName, contentType string, reader io.Reader) error {
	dst, err := s.fullPath(objectName)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create media file: %w", err)
	}
	_, copyErr := io.Copy(tmp, reader)
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write media file: %w", copyErr)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store media file: %w", err)
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, objectName string) (io.ReadCloser, error) {
	fullPath, err := s.fullPath(objectName)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) Delete(ctx context.Context, objectName string) error {
	fullPath, err := s.fullPath(objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
