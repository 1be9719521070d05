package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/sitestack/aws"
)

// Store loads and saves the snapshot of one site. Loading a snapshot that
// was never saved returns the zero Snapshot and no error.
// Example:
//
//	store, err := state.NewStore("s3://my-bucket/sites/example.org.json", s3Client)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	snap, err := store.Load(ctx)
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

// NewStore selects a store by the scheme of uri: s3:// or file://.
func NewStore(uri string, client aws.S3ObjectClient) (Store, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		if client == nil {
			return nil, fmt.Errorf("an S3 client is required for state URI %s", uri)
		}
		return NewS3Store(client, uri)
	case strings.HasPrefix(uri, "file://"):
		return NewFileStore(uri)
	default:
		return nil, fmt.Errorf("unsupported state URI: %s", uri)
	}
}

// S3Store implements the Store interface using AWS S3.
type S3Store struct {
	client aws.S3ObjectClient
	bucket string
	key    string
}

// NewS3Store creates a new S3Store instance from an S3 URI.
// Example:
//
//	client := s3.NewFromConfig(cfg)
//	store, err := state.NewS3Store(client, "s3://my-bucket/sites/example.org.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewS3Store(client aws.S3ObjectClient, uri string) (*S3Store, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("S3 state URI must include an object key: %s", uri)
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		key:    key,
	}, nil
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("S3 URI must include a bucket: %s", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Load fetches the snapshot object. A missing object is an empty snapshot.
func (s *S3Store) Load(ctx context.Context) (Snapshot, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return Snapshot{}, nil
		}
		// Some S3-compatible stores answer NotFound instead
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to get state: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode state: %w", err)
	}
	if err := checkVersion(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Save writes the snapshot object.
func (s *S3Store) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	contentType := "application/json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &s.key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// FileStore implements the Store interface using the local filesystem.
type FileStore struct {
	path string
}

// NewFileStore creates a new FileStore instance from a file URI.
// The path must be absolute; missing directories are created.
// Example:
//
//	store, err := state.NewFileStore("file:///var/lib/sitestack/example.org.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewFileStore(uri string) (*FileStore, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid file URI: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("invalid file URI scheme: %s", u.Scheme)
	}

	cleanPath := filepath.Clean(u.Host + u.Path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("state path must be absolute: %s", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileStore{
		path: cleanPath,
	}, nil
}

// Path returns the snapshot file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the snapshot file. A missing file is an empty snapshot.
func (f *FileStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode state: %w", err)
	}
	if err := checkVersion(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Save writes the snapshot to a temporary file and renames it into place.
func (f *FileStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func checkVersion(s Snapshot) error {
	if s.Version > SnapshotVersion {
		return fmt.Errorf("state version %d is newer than supported version %d", s.Version, SnapshotVersion)
	}
	return nil
}
