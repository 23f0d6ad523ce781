package retrieval

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/iago/download-jobs/internal/domain"
)

// ArtifactWriter stores a finished artifact under ref.
type ArtifactWriter interface {
	Put(ref string, r io.Reader) error
}

// Source opens the content of one requested file. Errors are classified with
// domain.Retryable or domain.Fatal.
type Source interface {
	Open(ctx context.Context, fileID int64) (io.ReadCloser, error)
}

// DirSource serves files named by their id from a directory.
type DirSource struct {
	Root string
}

func (d DirSource) Open(_ context.Context, fileID int64) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(d.Root, strconv.FormatInt(fileID, 10)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.Fatal(fmt.Errorf("file %d does not exist", fileID))
		}
		return nil, domain.Retryable(fmt.Errorf("open file %d: %w", fileID, err))
	}
	return file, nil
}

// LocalRetriever stages requested files on local disk per attempt and
// packages the staging area as a zip artifact named after the stage id.
type LocalRetriever struct {
	source      Source
	stagingRoot string
	artifacts   ArtifactWriter
}

// NewLocalRetriever reads files from a source directory.
func NewLocalRetriever(sourceRoot, stagingRoot string, artifacts ArtifactWriter) (*LocalRetriever, error) {
	if sourceRoot == "" {
		return nil, errors.New("source root is required")
	}
	return NewRetriever(DirSource{Root: sourceRoot}, stagingRoot, artifacts)
}

func NewRetriever(source Source, stagingRoot string, artifacts ArtifactWriter) (*LocalRetriever, error) {
	if source == nil || stagingRoot == "" {
		return nil, errors.New("source and staging root are required")
	}
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &LocalRetriever{
		source:      source,
		stagingRoot: stagingRoot,
		artifacts:   artifacts,
	}, nil
}

// Fetch copies one file into the staging area named by stageID. Source errors
// keep their classification; staging I/O failures are retryable.
func (r *LocalRetriever) Fetch(ctx context.Context, stageID string, fileID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := strconv.FormatInt(fileID, 10)
	source, err := r.source.Open(ctx, fileID)
	if err != nil {
		return err
	}
	defer source.Close()

	dir := r.stagingDir(stageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Retryable(fmt.Errorf("create staging dir: %w", err))
	}
	target, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return domain.Retryable(fmt.Errorf("create staged file %d: %w", fileID, err))
	}
	if _, err := io.Copy(target, source); err != nil {
		target.Close()
		return domain.Retryable(fmt.Errorf("copy file %d: %w", fileID, err))
	}
	if err := target.Close(); err != nil {
		return domain.Retryable(fmt.Errorf("close staged file %d: %w", fileID, err))
	}
	return nil
}

// Package zips the staged files in request order and stores the archive. It
// returns the artifact reference.
func (r *LocalRetriever) Package(ctx context.Context, stageID string, fileIDs []int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := r.stagingDir(stageID)
	archive, err := os.CreateTemp(dir, ".archive-*.zip")
	if err != nil {
		return "", domain.Retryable(fmt.Errorf("create archive: %w", err))
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	writer := zip.NewWriter(archive)
	for _, fileID := range fileIDs {
		name := strconv.FormatInt(fileID, 10)
		if err := addToArchive(writer, filepath.Join(dir, name), name); err != nil {
			return "", domain.Retryable(fmt.Errorf("archive file %d: %w", fileID, err))
		}
	}
	if err := writer.Close(); err != nil {
		return "", domain.Retryable(fmt.Errorf("finish archive: %w", err))
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return "", domain.Retryable(fmt.Errorf("rewind archive: %w", err))
	}

	ref := stageID + ".zip"
	if err := r.artifacts.Put(ref, archive); err != nil {
		return "", domain.Retryable(fmt.Errorf("store artifact: %w", err))
	}
	return ref, nil
}

// Discard drops whatever was staged under stageID.
func (r *LocalRetriever) Discard(stageID string) error {
	return os.RemoveAll(r.stagingDir(stageID))
}

func (r *LocalRetriever) stagingDir(stageID string) string {
	return filepath.Join(r.stagingRoot, filepath.Base(stageID))
}

func addToArchive(writer *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	entry, err := writer.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, file)
	return err
}
