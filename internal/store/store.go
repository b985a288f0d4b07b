// Package store persists the targeting document to the JSON file shared with
// the flag-evaluation engine.
//
// The document is loaded fresh on every operation and written back
// atomically; a single process-wide mutex serialises all access so concurrent
// mutations never interleave and snapshot reads never observe a torn write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/garage-demos/flags-api/internal/targeting"
)

var (
	// ErrStorage wraps file read/write failures.
	ErrStorage = errors.New("flag document storage failure")
	// ErrMalformedDocument is returned when the file is not a valid
	// targeting document.
	ErrMalformedDocument = errors.New("flag document is not valid JSON")
)

// DocumentStore is the serialised-access wrapper around the shared document.
// View runs fn against a fresh snapshot; Update runs fn against a fresh copy
// and persists the result only when fn succeeds.
type DocumentStore interface {
	View(ctx context.Context, fn func(*targeting.Document) error) error
	Update(ctx context.Context, fn func(*targeting.Document) error) error
}

// FileStore implements DocumentStore against a JSON file on disk.
type FileStore struct {
	path   string
	mu     sync.Mutex
	tracer trace.Tracer
}

// NewFileStore creates a store for the document at path. The file is not
// touched until the first operation.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:   path,
		tracer: otel.Tracer("flags-api/store"),
	}
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

// View loads the document and runs fn against it under the store lock.
func (s *FileStore) View(ctx context.Context, fn func(*targeting.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return err
	}

	return fn(doc)
}

// Update loads the document, runs fn, and writes the mutated document back.
// The whole sequence holds the store lock; if fn returns an error nothing is
// written.
func (s *FileStore) Update(ctx context.Context, fn func(*targeting.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ctx)
	if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}

	return s.persist(ctx, doc)
}

func (s *FileStore) load(ctx context.Context) (*targeting.Document, error) {
	_, span := s.tracer.Start(ctx, "store.load")
	defer span.End()

	data, err := os.ReadFile(s.path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, s.path, err)
	}

	var doc targeting.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	return &doc, nil
}

// persist writes the document via a temp file and rename so a crash mid-write
// never leaves a partial document behind. Mode 0600: the evaluation engine
// only reads through its own mount, nothing else needs access.
func (s *FileStore) persist(ctx context.Context, doc *targeting.Document) error {
	_, span := s.tracer.Start(ctx, "store.persist")
	defer span.End()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: encode document: %v", ErrStorage, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".flags-*.json")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: create temp file: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: write temp file: %v", ErrStorage, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod temp file: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", ErrStorage, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: replace %s: %v", ErrStorage, s.path, err)
	}

	return nil
}
