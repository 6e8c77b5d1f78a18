package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/artifacts"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

var newArtifactStore = artifacts.Open

type StorageProviderBootstrapErrorCode string

const (
	StorageProviderBootstrapErrorInvalidMode         StorageProviderBootstrapErrorCode = "invalid_mode"
	StorageProviderBootstrapErrorMissingBucket       StorageProviderBootstrapErrorCode = "missing_bucket"
	StorageProviderBootstrapErrorMissingEmulatorHost StorageProviderBootstrapErrorCode = "missing_emulator_host"
	StorageProviderBootstrapErrorConnectFailed       StorageProviderBootstrapErrorCode = "connect_failed"
)

type StorageProviderBootstrapError struct {
	Code         StorageProviderBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *StorageProviderBootstrapError) Error() string {
	if e == nil {
		return "artifact storage bootstrap failed"
	}
	return fmt.Sprintf(
		"artifact storage bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code,
		e.Mode,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *StorageProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveArtifactStore validates the storage mode before dialing so a bad
// deployment fails with a specific code instead of a generic client error.
func resolveArtifactStore(ctx context.Context, log *logger.Logger, cfg artifacts.Config) (artifacts.Store, error) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	fail := func(code StorageProviderBootstrapErrorCode, cause error) error {
		err := &StorageProviderBootstrapError{Code: code, Mode: cfg.Mode, EmulatorHost: cfg.EmulatorHost, Cause: cause}
		log.Error("Artifact storage selection failed",
			"mode", cfg.Mode,
			"emulator_host", cfg.EmulatorHost,
			"error_code", err.Code,
			"error", cause,
		)
		return err
	}

	switch cfg.Mode {
	case "", "local":
	case "gcs":
		if strings.TrimSpace(cfg.Bucket) == "" {
			return nil, fail(StorageProviderBootstrapErrorMissingBucket, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for mode %q", cfg.Mode))
		}
	case "gcs_emulator":
		if strings.TrimSpace(cfg.Bucket) == "" {
			return nil, fail(StorageProviderBootstrapErrorMissingBucket, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for mode %q", cfg.Mode))
		}
		if strings.TrimSpace(cfg.EmulatorHost) == "" {
			return nil, fail(StorageProviderBootstrapErrorMissingEmulatorHost, fmt.Errorf("STORAGE_EMULATOR_HOST is required for mode %q", cfg.Mode))
		}
	default:
		return nil, fail(StorageProviderBootstrapErrorInvalidMode, fmt.Errorf("unsupported ARTIFACT_STORE %q", cfg.Mode))
	}

	store, err := newArtifactStore(ctx, cfg, log)
	if err != nil {
		return nil, fail(StorageProviderBootstrapErrorConnectFailed, err)
	}
	log.Info("Artifact storage selected", "mode", cfg.Mode, "prefix", cfg.Prefix)
	return store, nil
}

// corpusOpener returns a reader for the corpus reference. A gs:// corpus is
// readable even when artifacts are written locally.
type corpusOpener struct {
	store artifacts.Store
	cfg   artifacts.Config
	log   *logger.Logger
}

func (o corpusOpener) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if !strings.HasPrefix(ref, "gs://") {
		return o.store.Open(ctx, ref)
	}
	if gcs, ok := o.store.(*artifacts.GCSStore); ok {
		return gcs.Open(ctx, ref)
	}
	bucket, _, _ := strings.Cut(strings.TrimPrefix(ref, "gs://"), "/")
	cfg := o.cfg
	cfg.Mode = "gcs"
	cfg.Bucket = bucket
	gcs, err := artifacts.NewGCSStore(ctx, cfg, o.log)
	if err != nil {
		return nil, err
	}
	rc, err := gcs.Open(ctx, ref)
	if err != nil {
		_ = gcs.Close()
		return nil, err
	}
	return &closeBoth{ReadCloser: rc, after: gcs.Close}, nil
}

type closeBoth struct {
	io.ReadCloser
	after func() error
}

func (c *closeBoth) Close() error {
	err := c.ReadCloser.Close()
	if aerr := c.after(); err == nil {
		err = aerr
	}
	return err
}
