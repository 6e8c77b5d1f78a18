package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/yungbote/neurobridge-contentgen/internal/artifacts"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

func bootstrapCode(t *testing.T, err error) StorageProviderBootstrapErrorCode {
	t.Helper()
	var got *StorageProviderBootstrapError
	if !errors.As(err, &got) {
		t.Fatalf("expected StorageProviderBootstrapError, got=%T (%v)", err, err)
	}
	return got.Code
}

func TestResolveArtifactStoreRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  artifacts.Config
		want StorageProviderBootstrapErrorCode
	}{
		{"invalid mode", artifacts.Config{Mode: "s3"}, StorageProviderBootstrapErrorInvalidMode},
		{"gcs without bucket", artifacts.Config{Mode: "gcs"}, StorageProviderBootstrapErrorMissingBucket},
		{"emulator without host", artifacts.Config{Mode: "gcs_emulator", Bucket: "b"}, StorageProviderBootstrapErrorMissingEmulatorHost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := resolveArtifactStore(context.Background(), logger.Nop(), tc.cfg)
			if code := bootstrapCode(t, err); code != tc.want {
				t.Fatalf("code: want=%q got=%q", tc.want, code)
			}
		})
	}
}

func TestResolveArtifactStoreConnectFailure(t *testing.T) {
	orig := newArtifactStore
	t.Cleanup(func() { newArtifactStore = orig })
	newArtifactStore = func(ctx context.Context, cfg artifacts.Config, log *logger.Logger) (artifacts.Store, error) {
		return nil, errors.New("dial failed")
	}

	_, err := resolveArtifactStore(context.Background(), logger.Nop(), artifacts.Config{Mode: "gcs", Bucket: "b"})
	if code := bootstrapCode(t, err); code != StorageProviderBootstrapErrorConnectFailed {
		t.Fatalf("code: want=%q got=%q", StorageProviderBootstrapErrorConnectFailed, code)
	}
}

func TestResolveArtifactStoreLocal(t *testing.T) {
	dir := t.TempDir()
	store, err := resolveArtifactStore(context.Background(), logger.Nop(), artifacts.Config{Mode: "LOCAL", LocalDir: dir})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := store.(*artifacts.LocalStore); !ok {
		t.Fatalf("store: want *artifacts.LocalStore got=%T", store)
	}
}

func TestCorpusOpenerReadsLocalPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.jsonl")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := artifacts.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	o := corpusOpener{store: store, log: logger.Nop()}
	for _, ref := range []string{path, "file://" + path} {
		rc, err := o.Open(context.Background(), ref)
		if err != nil {
			t.Fatalf("open %s: %v", ref, err)
		}
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		if string(b) != "hello" {
			t.Fatalf("open %s: want=hello got=%q", ref, b)
		}
	}
}
