package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"career-agent/internal/integrations/objectstore"
)

type fakeStore struct {
	bucket  string
	puts    map[string]string
	opts    objectstore.PutOptions
	objects []objectstore.Object
	prefix  string
	err     error
}

func (f *fakeStore) Put(_ context.Context, key string, body io.Reader, opts objectstore.PutOptions) error {
	if f.err != nil {
		return f.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.puts[key] = string(b)
	f.opts = opts
	return nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]objectstore.Object, error) {
	f.prefix = prefix
	return f.objects, f.err
}

func (f *fakeStore) Bucket() string {
	return f.bucket
}

func (f *fakeStore) PublicURL(key string) string {
	return "https://" + f.bucket + ".s3.amazonaws.com/" + key
}

func run(t *testing.T, store *fakeStore, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(func(_ context.Context, bucket string) (ObjectStore, error) {
		store.bucket = bucket
		return store, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUpload_PublicByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nursing.txt")
	require.NoError(t, os.WriteFile(path, []byte("four years"), 0o644))
	store := &fakeStore{puts: map[string]string{}}

	out, err := run(t, store, "upload", path, "--bucket", "careers")
	require.NoError(t, err)
	require.Equal(t, "four years", store.puts["nursing.txt"])
	require.True(t, store.opts.Public)
	require.Contains(t, out, "s3://careers/")
	require.Contains(t, out, "https://careers.s3.amazonaws.com/nursing.txt")
}

func TestUpload_Private(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	store := &fakeStore{puts: map[string]string{}}

	out, err := run(t, store, "upload", path, "--bucket", "careers", "--private")
	require.NoError(t, err)
	require.False(t, store.opts.Public)
	require.NotContains(t, out, "https://")
}

func TestUpload_Errors(t *testing.T) {
	t.Setenv("BUCKET_NAME", "")
	store := &fakeStore{puts: map[string]string{}}

	_, err := run(t, store, "upload", "missing.txt")
	require.ErrorContains(t, err, "bucket is required")

	_, err = run(t, store, "upload", filepath.Join(t.TempDir(), "missing.txt"), "--bucket", "careers")
	require.Error(t, err)

	_, err = run(t, store, "upload", "--bucket", "careers")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	store.err = errors.New("access denied")
	_, err = run(t, store, "upload", path, "--bucket", "careers")
	require.ErrorContains(t, err, "access denied")
}

func TestList(t *testing.T) {
	store := &fakeStore{objects: []objectstore.Object{
		{Key: "nursing.txt", Size: 10, LastModified: time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)},
		{Key: "tech.txt", Size: 20},
	}}

	out, err := run(t, store, "list", "--bucket", "careers", "--prefix", "n")
	require.NoError(t, err)
	require.Equal(t, "n", store.prefix)
	require.Contains(t, out, "2 objects in careers")
	require.Contains(t, out, "nursing.txt")
	require.Contains(t, out, "(20 bytes)")
	require.Contains(t, out, "2026-05-04 10:30:00")
}

func TestList_UsesEnvBucket(t *testing.T) {
	t.Setenv("BUCKET_NAME", "from-env")
	store := &fakeStore{}

	out, err := run(t, store, "list")
	require.NoError(t, err)
	require.Contains(t, out, "0 objects in from-env")
}
