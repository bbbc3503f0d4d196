// Package audio stores synthesized answer clips under unique names.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"career-agent/internal/integrations/objectstore"
)

const (
	ContentType = "audio/mpeg"
	extension   = ".mp3"
)

var (
	ErrNotFound    = errors.New("audio: clip not found")
	ErrInvalidName = errors.New("audio: invalid clip name")
)

var namePattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.mp3$`)

// ValidName reports whether name could have been issued by a Store.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

var newName = func() string {
	return uuid.NewString() + extension
}

// DirStore keeps clips in a local directory.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, errors.New("audio: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio: create directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Save(_ context.Context, clip []byte) (string, error) {
	name := newName()
	if err := os.WriteFile(filepath.Join(s.dir, name), clip, 0o644); err != nil {
		return "", fmt.Errorf("audio: write clip: %w", err)
	}
	return name, nil
}

func (s *DirStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audio: open clip: %w", err)
	}
	return f, nil
}

// S3Store keeps clips in a bucket under a key prefix.
type S3Store struct {
	objects *objectstore.Client
	prefix  string
}

func NewS3Store(objects *objectstore.Client, prefix string) (*S3Store, error) {
	if objects == nil {
		return nil, errors.New("audio: object store must not be nil")
	}
	return &S3Store{objects: objects, prefix: prefix}, nil
}

func (s *S3Store) Save(ctx context.Context, clip []byte) (string, error) {
	name := newName()
	err := s.objects.Put(ctx, s.prefix+name, bytes.NewReader(clip), objectstore.PutOptions{ContentType: ContentType})
	if err != nil {
		return "", fmt.Errorf("audio: %w", err)
	}
	return name, nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	rc, err := s.objects.Open(ctx, s.prefix+name)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	return rc, nil
}
