// Package client talks to reliefsync-api over HTTP and WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"reliefsync/internal/model"
	"reliefsync/internal/storage"

	"go.uber.org/zap"
)

// APIError is a non-2xx response carrying the server's error envelope
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Message, e.Code)
}

// IsStatus reports whether err is an APIError with the given status
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// SignUpRequest registers a new account
type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

type session struct {
	Identity model.Identity     `json:"identity"`
	Profile  *model.UserProfile `json:"profile,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// BaseURL returns the server address the client was built with
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken sets the bearer token sent with every request
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
// It returns the response status.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Healthz checks that the server is reachable
func (c *Client) Healthz(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	_, err = c.send(req, nil)
	return err
}

// SignUp registers an account and stores the returned token
func (c *Client) SignUp(ctx context.Context, in SignUpRequest) (model.Identity, error) {
	var s session
	if _, err := c.do(ctx, http.MethodPost, "/v1/auth/signup", in, &s); err != nil {
		return model.Identity{}, err
	}
	c.SetToken(s.Identity.Token)
	return s.Identity, nil
}

// SignIn exchanges credentials for a token and stores it
func (c *Client) SignIn(ctx context.Context, email, password string) (model.Identity, error) {
	var s session
	in := map[string]string{"email": email, "password": password}
	if _, err := c.do(ctx, http.MethodPost, "/v1/auth/signin", in, &s); err != nil {
		return model.Identity{}, err
	}
	c.SetToken(s.Identity.Token)
	return s.Identity, nil
}

// SignOut revokes the current token server-side and forgets it
func (c *Client) SignOut(ctx context.Context) error {
	if c.Token() == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/auth/signout", nil, nil)
	c.SetToken("")
	return err
}

// Me returns the caller's profile
func (c *Client) Me(ctx context.Context) (model.UserProfile, error) {
	var p model.UserProfile
	_, err := c.do(ctx, http.MethodGet, "/v1/me", nil, &p)
	return p, err
}

func documentPath(collection, id string) string {
	return "/v1/collections/" + url.PathEscape(collection) + "/documents/" + url.PathEscape(id)
}

// PutDocument creates a document under id. It reports false when the server
// already held a document with that id.
func (c *Client) PutDocument(ctx context.Context, collection, id string, data map[string]interface{}) (bool, error) {
	status, err := c.do(ctx, http.MethodPut, documentPath(collection, id), data, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusCreated, nil
}

// GetDocument fetches one document
func (c *Client) GetDocument(ctx context.Context, collection, id string) (model.Document, error) {
	var d model.Document
	_, err := c.do(ctx, http.MethodGet, documentPath(collection, id), nil, &d)
	return d, err
}

// ListDocuments returns the documents of a collection visible to the caller
func (c *Client) ListDocuments(ctx context.Context, collection string) ([]model.Document, error) {
	var out struct {
		Documents []model.Document `json:"documents"`
	}
	_, err := c.do(ctx, http.MethodGet, "/v1/collections/"+url.PathEscape(collection)+"/documents", nil, &out)
	return out.Documents, err
}

// UploadMedia sends a local file to the media endpoint under an upload preset
func (c *Client) UploadMedia(ctx context.Context, preset, path string) (storage.MediaMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.MediaMetadata{}, fmt.Errorf("failed to open media: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return storage.MediaMetadata{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return storage.MediaMetadata{}, fmt.Errorf("failed to read media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return storage.MediaMetadata{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/media?upload_preset="+url.QueryEscape(preset), &buf)
	if err != nil {
		return storage.MediaMetadata{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var meta storage.MediaMetadata
	if _, err := c.send(req, &meta); err != nil {
		return storage.MediaMetadata{}, err
	}
	c.log.Debug("Media uploaded", zap.String("name", meta.Name), zap.Int64("size", meta.Size))
	return meta, nil
}

// MediaUploader binds an upload preset so the client satisfies queue.MediaUploader
type MediaUploader struct {
	Client *Client
	Preset string
}

func (u MediaUploader) UploadMedia(ctx context.Context, path string) (string, error) {
	meta, err := u.Client.UploadMedia(ctx, u.Preset, path)
	if err != nil {
		return "", err
	}
	return meta.URL, nil
}
