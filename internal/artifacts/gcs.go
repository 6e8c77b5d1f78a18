package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

type GCSStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, cfg Config, baseLog *logger.Logger) (*GCSStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("missing env var ARTIFACT_GCS_BUCKET")
	}
	var opts []option.ClientOption
	switch cfg.Mode {
	case "gcs_emulator":
		if cfg.EmulatorHost == "" {
			return nil, fmt.Errorf("gcs_emulator mode requires STORAGE_EMULATOR_HOST")
		}
		_ = os.Setenv("STORAGE_EMULATOR_HOST", strings.TrimRight(cfg.EmulatorHost, "/"))
		opts = append(opts, option.WithoutAuthentication())
	default:
		opts = append(clientOptionsFromEnv(), option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	log := baseLog.With("service", "GCSArtifactStore", "bucket", cfg.Bucket)
	log.Info("artifact storage initialized", "mode", cfg.Mode)
	return &GCSStore{log: log, client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", key, err)
	}
	return "gs://" + s.bucket + "/" + key, nil
}

func (s *GCSStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := splitGSRef(ref)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(key).NewReader(ctx)
}

func (s *GCSStore) Close() error { return s.client.Close() }

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

// Open builds the Store selected by cfg.Mode.
func Open(ctx context.Context, cfg Config, baseLog *logger.Logger) (Store, error) {
	switch cfg.Mode {
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "gcs", "gcs_emulator":
		return NewGCSStore(ctx, cfg, baseLog)
	default:
		return nil, fmt.Errorf("unsupported ARTIFACT_STORE %q", cfg.Mode)
	}
}
