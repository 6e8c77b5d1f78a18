package artifacts

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
)

// Store persists generated artifacts. Put returns a reference (gs://bucket/key or
// file:///abs/path) that is what the ledger keeps; Open reads one back.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

type Config struct {
	// Mode is "local", "gcs" or "gcs_emulator".
	Mode         string
	Bucket       string
	Prefix       string
	LocalDir     string
	EmulatorHost string
}

func ConfigFromEnv() Config {
	return Config{
		Mode:         strings.ToLower(envutil.String("ARTIFACT_STORE", "local")),
		Bucket:       envutil.String("ARTIFACT_GCS_BUCKET", ""),
		Prefix:       envutil.String("ARTIFACT_PREFIX", "contentgen"),
		LocalDir:     envutil.String("ARTIFACT_LOCAL_DIR", "./artifacts"),
		EmulatorHost: envutil.String("STORAGE_EMULATOR_HOST", ""),
	}
}

// Key builds the object key for one artifact of one request.
func Key(prefix, correlationID, name string) string {
	parts := make([]string, 0, 3)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, sanitizeSegment(correlationID), strings.TrimLeft(name, "/"))
	return strings.Join(parts, "/")
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	if s = r.Replace(s); s == "" {
		return "_"
	}
	return s
}

func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(s, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(s, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(s, ".json"), strings.HasSuffix(s, ".jsonl"):
		return "application/json"
	case strings.HasSuffix(s, ".txt"), strings.HasSuffix(s, ".md"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func splitGSRef(ref string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(ref, "gs://")
	i := strings.Index(rest, "/")
	if !strings.HasPrefix(ref, "gs://") || i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("invalid gs reference %q", ref)
	}
	return rest[:i], rest[i+1:], nil
}
