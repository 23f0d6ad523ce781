package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestFS(t *testing.T) *LocalFS {
	t.Helper()
	fs, err := NewLocalFS(LocalFSConfig{
		Root:    t.TempDir(),
		BaseURL: "https://downloads.example/",
		Secret:  []byte("test-secret"),
		LinkTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("new local fs: %v", err)
	}
	return fs
}

func linkParams(t *testing.T, raw string) (string, url.Values) {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return strings.TrimPrefix(parsed.Path, "/v1/artifacts/"), parsed.Query()
}

func TestIssueAndVerifyAccessLink(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Put("job-1.zip", strings.NewReader("zip-bytes")); err != nil {
		t.Fatalf("put: %v", err)
	}

	link, err := fs.IssueAccessLink(context.Background(), "job-1.zip")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(link.URL, "https://downloads.example/v1/artifacts/job-1.zip?") {
		t.Fatalf("unexpected link url %q", link.URL)
	}
	if !link.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected link to expire in the future, got %s", link.ExpiresAt)
	}

	ref, query := linkParams(t, link.URL)
	if err := fs.VerifyAccessLink(ref, query.Get("expires"), query.Get("signature")); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := fs.VerifyAccessLink("job-2.zip", query.Get("expires"), query.Get("signature")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected signature mismatch for another ref, got %v", err)
	}

	fs.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	if err := fs.VerifyAccessLink(ref, query.Get("expires"), query.Get("signature")); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected expired link, got %v", err)
	}
}

func TestIssueAccessLinkForMissingArtifactIsFatal(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.IssueAccessLink(context.Background(), "missing.zip"); err == nil {
		t.Fatalf("expected error for missing artifact")
	}
}

func TestDeleteIsIdempotentAndRefsStayInsideRoot(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Put("job-1.zip", strings.NewReader("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	file, err := fs.Open("job-1.zip")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(file)
	file.Close()
	if string(body) != "x" {
		t.Fatalf("unexpected artifact body %q", body)
	}

	ctx := context.Background()
	if err := fs.Delete(ctx, "job-1.zip"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, "job-1.zip"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := fs.Put("../escape.zip", strings.NewReader("x")); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected invalid ref, got %v", err)
	}
}
