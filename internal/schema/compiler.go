package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiler validates document bodies against per-collection JSON Schemas
type Compiler struct {
	mu          sync.Mutex
	compiler    *js.Compiler
	cache       *expirable.LRU[string, *js.Schema]
	collections map[string]map[string]interface{}
}

// NewCompilerWithCache creates a new compiler with cache
func NewCompilerWithCache(maxSize int) *Compiler {
	c := js.NewCompiler()
	c.Draft = js.Draft2020

	return &Compiler{
		compiler:    c,
		cache:       expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
		collections: make(map[string]map[string]interface{}),
	}
}

// NewDefaultCompiler creates a compiler with the built-in collection schemas registered
func NewDefaultCompiler() *Compiler {
	c := NewCompilerWithCache(64)
	for collection, schema := range builtinSchemas() {
		c.Register(collection, schema)
	}
	return c
}

// Register sets the schema used for a collection
func (c *Compiler) Register(collection string, schema map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections[collection] = schema
}

func (c *Compiler) key(schema map[string]interface{}) (string, []byte, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Prepare compiles and caches a schema
func (c *Compiler) Prepare(ctx context.Context, schema map[string]interface{}) (*js.Schema, error) {
	key, schemaBytes, err := c.key(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resourceURL := fmt.Sprintf("mem://schema/%s.json", key[:16])
	if err := c.compiler.AddResource(resourceURL, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}

	compiled, err := c.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(key, compiled)
	return compiled, nil
}

// ValidateDocument validates a document body for a collection.
// Collections without a registered schema accept any body.
func (c *Compiler) ValidateDocument(ctx context.Context, collection string, data map[string]interface{}) error {
	c.mu.Lock()
	schema, ok := c.collections[collection]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	compiled, err := c.Prepare(ctx, schema)
	if err != nil {
		return err
	}

	// Round-trip so typed values become the generic JSON shapes the validator expects
	valueBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	var valueRaw interface{}
	if err := json.Unmarshal(valueBytes, &valueRaw); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	if err := compiled.Validate(valueRaw); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
