package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/iago/download-jobs/internal/domain"
)

var (
	ErrInvalidRef       = errors.New("invalid artifact reference")
	ErrLinkExpired      = errors.New("access link expired")
	ErrInvalidSignature = errors.New("access link signature mismatch")
)

type LocalFSConfig struct {
	Root string
	// BaseURL is the public origin that serves /v1/artifacts/.
	BaseURL string
	Secret  []byte
	LinkTTL time.Duration
}

// LocalFS keeps artifacts on disk and issues HMAC-signed, time-limited links
// to them.
type LocalFS struct {
	root    string
	baseURL string
	secret  []byte
	linkTTL time.Duration
	now     func() time.Time
}

func NewLocalFS(cfg LocalFSConfig) (*LocalFS, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("storage root is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("access link secret is required")
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 15 * time.Minute
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalFS{
		root:    cfg.Root,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		linkTTL: cfg.LinkTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *LocalFS) Put(ref string, r io.Reader) error {
	abs, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	// Write to a sibling temp file so a reader never sees a partial artifact.
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), abs)
}

func (l *LocalFS) Open(ref string) (*os.File, error) {
	abs, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l *LocalFS) Exists(ref string) bool {
	abs, err := l.resolve(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Delete is idempotent: a missing artifact is not an error.
func (l *LocalFS) Delete(_ context.Context, ref string) error {
	abs, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

func (l *LocalFS) IssueAccessLink(_ context.Context, ref string) (domain.AccessLink, error) {
	if !l.Exists(ref) {
		return domain.AccessLink{}, domain.Fatal(fmt.Errorf("artifact %s: %w", ref, os.ErrNotExist))
	}
	expiresAt := l.now().Add(l.linkTTL).Truncate(time.Second)
	expires := strconv.FormatInt(expiresAt.Unix(), 10)

	query := url.Values{}
	query.Set("expires", expires)
	query.Set("signature", l.sign(ref, expires))
	return domain.AccessLink{
		URL:       l.baseURL + "/v1/artifacts/" + url.PathEscape(ref) + "?" + query.Encode(),
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyAccessLink checks a presented expires/signature pair for ref.
func (l *LocalFS) VerifyAccessLink(ref, expires, signature string) error {
	if _, err := l.resolve(ref); err != nil {
		return err
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	expected := l.sign(ref, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	if !l.now().Before(time.Unix(unix, 0)) {
		return ErrLinkExpired
	}
	return nil
}

func (l *LocalFS) sign(ref, expires string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(ref))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve keeps refs flat so a crafted ref cannot escape the root.
func (l *LocalFS) resolve(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", ErrInvalidRef
	}
	return filepath.Join(l.root, ref), nil
}
