package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zip"
	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
)

const (
	definitionFileName = "task.json"
	completedMarker    = ".completed"
	archivesDir        = "_archives"
)

// Repository provides task definitions. Load is cached and idempotent.
type Repository interface {
	Load(ctx context.Context, ref v1.TaskReference) (*Definition, error)
	Download(ctx context.Context, ref v1.TaskReference) error
	Extract(ctx context.Context, ref v1.TaskReference) error
}

// Source opens the zip archive of a task package.
type Source func(ctx context.Context, ref v1.TaskReference) (io.ReadCloser, error)

// WithArchiveDirectory resolves `<dir>/<id>_<version>.zip`.
func WithArchiveDirectory(dir string) Source {
	return func(ctx context.Context, ref v1.TaskReference) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dir, fmt.Sprintf("%s_%s.zip", ref.ID, ref.Version)))
	}
}

// WithHTTP downloads task archives from the task distribution endpoint of the server.
func WithHTTP(baseURL string, client *http.Client) Source {
	return func(ctx context.Context, ref v1.TaskReference) (io.ReadCloser, error) {
		u, err := url.JoinPath(baseURL, "_apis", "distributedtask", "tasks", ref.ID, ref.Version)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/zip")
		res, err := client.Do(req)
		if err != nil {
			return nil, err
		}

		if res.StatusCode != http.StatusOK {
			_ = res.Body.Close()
			return nil, fmt.Errorf("task download failed with status %d", res.StatusCode)
		}

		return res.Body, nil
	}
}

type repositoryOption func(*FileRepository)

func WithRepositoryLogger(log logr.Logger) repositoryOption {
	return func(r *FileRepository) {
		r.log = log
	}
}

func WithSources(sources ...Source) repositoryOption {
	return func(r *FileRepository) {
		r.sources = append(r.sources, sources...)
	}
}

// FileRepository keeps extracted task packages below `<dir>/<id>/<version>`.
type FileRepository struct {
	dir     string
	sources []Source
	log     logr.Logger
	mu      sync.Mutex
	cache   map[string]*Definition
}

func NewFileRepository(dir string, opts ...repositoryOption) *FileRepository {
	r := &FileRepository{
		dir:   dir,
		log:   logr.Discard(),
		cache: make(map[string]*Definition),
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

func cacheKey(ref v1.TaskReference) string {
	return strings.ToLower(ref.ID) + "@" + ref.Version
}

func (r *FileRepository) Directory(ref v1.TaskReference) string {
	return filepath.Join(r.dir, ref.ID, ref.Version)
}

func (r *FileRepository) ArchivePath(ref v1.TaskReference) string {
	return filepath.Join(r.dir, archivesDir, fmt.Sprintf("%s_%s.zip", ref.ID, ref.Version))
}

func (r *FileRepository) Load(ctx context.Context, ref v1.TaskReference) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.cache[cacheKey(ref)]; ok {
		return def, nil
	}

	dir := r.Directory(ref)
	if _, err := os.Stat(filepath.Join(dir, completedMarker)); err != nil {
		if err := r.download(ctx, ref); err != nil {
			return nil, err
		}

		if err := r.extract(ref); err != nil {
			return nil, err
		}
	}

	b, err := os.ReadFile(filepath.Join(dir, definitionFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s@%s: %w", ErrTaskNotFound, ref.Name, ref.Version, err)
	}

	def, err := ParseDefinition(b)
	if err != nil {
		return nil, err
	}

	def.Directory = dir
	r.cache[cacheKey(ref)] = def
	return def, nil
}

func (r *FileRepository) Download(ctx context.Context, ref v1.TaskReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.download(ctx, ref)
}

func (r *FileRepository) download(ctx context.Context, ref v1.TaskReference) error {
	archive := r.ArchivePath(ref)
	if _, err := os.Stat(archive); err == nil {
		return nil
	}

	var errs []error
	for _, source := range r.sources {
		rc, err := source(ctx, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		err = writeFile(archive, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("failed to store task archive: %w", err)
		}

		r.log.V(1).Info("downloaded task", "task", ref.Name, "id", ref.ID, "version", ref.Version)
		return nil
	}

	return fmt.Errorf("%w: %s@%s: %w", ErrTaskNotFound, ref.Name, ref.Version, errors.Join(errs...))
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// Extract (re-)extracts the downloaded archive and drops the cached definition.
func (r *FileRepository) Extract(ctx context.Context, ref v1.TaskReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cache, cacheKey(ref))
	return r.extract(ref)
}

func (r *FileRepository) extract(ref v1.TaskReference) error {
	dir := r.Directory(ref)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}

	zr, err := zip.OpenReader(r.ArchivePath(ref))
	if err != nil {
		return fmt.Errorf("failed to open task archive: %w", err)
	}

	defer func() {
		_ = zr.Close()
	}()

	for _, f := range zr.File {
		if err := extractFile(dir, f); err != nil {
			return fmt.Errorf("failed to extract task archive: %w", err)
		}
	}

	return os.WriteFile(filepath.Join(dir, completedMarker), nil, 0o644)
}

func extractFile(dir string, f *zip.File) error {
	target := filepath.Join(dir, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal file path in archive: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}

	defer func() {
		_ = rc.Close()
	}()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}
