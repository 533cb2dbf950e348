// Package imagestore manages a flat directory of transient downloaded images.
//
// Every operation that touches the directory holds the store lock for its
// whole duration, so a listing never sees a file that is still being written
// and two downloads never interleave.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-resty/resty/v2"
	"github.com/google/renameio"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultFetchTimeout = 15 * time.Second
	DefaultMaxBytes     = 10 << 20
)

var (
	ErrNetwork      = errors.New("image download failed")
	ErrFilesystem   = errors.New("image storage operation failed")
	ErrNotDirectory = errors.New("managed path is not a directory")
	ErrInvalidName  = errors.New("invalid image filename")
	ErrTooLarge     = errors.New("image exceeds size limit")

	supportedExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}
)

type Store struct {
	dir  string
	lock *semaphore.Weighted
	http *resty.Client

	maxBytes int64

	// write persists a complete payload; swapped in tests to slow it down
	write func(path string, data []byte) error
}

type Option func(*Store)

// WithFetchTimeout bounds the whole download of a single image.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.http.SetTimeout(timeout)
		}
	}
}

// WithMaxBytes caps the payload size of a single download. Zero or less
// disables the cap.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithHTTPClient replaces the resty client used for downloads.
func WithHTTPClient(client *resty.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.http = client
		}
	}
}

// New creates the managed directory if needed and returns a store bound to it.
// The only error it returns is when dir cannot be used as a directory at all.
func New(dir string, opts ...Option) (*Store, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	s := &Store{
		dir:  absDir,
		lock: semaphore.NewWeighted(1),
		http: resty.New().SetTimeout(DefaultFetchTimeout),

		maxBytes: DefaultMaxBytes,
	}
	s.write = s.writeAtomic

	for _, opt := range opts {
		opt(s)
	}

	if err := s.initFolder(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) initFolder() error {
	info, err := os.Stat(s.dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			slog.Error("imagestore: Managed path is not a directory", "dir", s.dir)

			return fmt.Errorf("%w: %s", ErrNotDirectory, s.dir)
		}

		return nil
	case !errors.Is(err, fs.ErrNotExist):
		slog.Error("imagestore: Cannot stat images folder", "dir", s.dir, "error", err)

		return errors.Join(ErrFilesystem, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		slog.Error("imagestore: Cannot create images folder", "dir", s.dir, "error", err)

		return errors.Join(ErrFilesystem, err)
	}

	slog.Info("imagestore: Created images folder", "dir", s.dir)

	return nil
}

// Dir returns the absolute path of the managed directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path an entry has inside the managed directory.
func (s *Store) Path(filename string) string {
	return filepath.Join(s.dir, filename)
}

// IsSupported reports whether filename has one of the allowed image extensions.
func IsSupported(filename string) bool {
	if strings.HasPrefix(filename, ".") {
		return false
	}

	ext := strings.ToLower(filepath.Ext(filename))

	return slices.Contains(supportedExtensions, ext)
}

// List returns a sorted snapshot of the valid entries. Errors are logged and
// produce an empty result.
func (s *Store) List(ctx context.Context) []string {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		slog.Error("imagestore: Cannot acquire lock for listing", "error", err)

		return []string{}
	}
	defer s.lock.Release(1)

	return s.list()
}

func (s *Store) list() []string {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Error("imagestore: Error getting image list", "dir", s.dir, "error", err)
		sentry.CaptureException(err)

		return []string{}
	}

	result := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if e.IsDir() || !IsSupported(e.Name()) {
			continue
		}
		result = append(result, e.Name())
	}

	return result
}

// Persist downloads sourceURL and stores the payload as filename. The file
// either appears complete or not at all. Failures are wrapped in ErrNetwork or
// ErrFilesystem.
func (s *Store) Persist(ctx context.Context, sourceURL, filename string) error {
	if err := validateName(filename); err != nil {
		slog.Error("imagestore: Refusing to save image", "filename", filename, "error", err)

		return errors.Join(ErrFilesystem, err)
	}

	if err := s.lock.Acquire(ctx, 1); err != nil {
		slog.Error("imagestore: Cannot acquire lock for saving", "filename", filename, "error", err)

		return errors.Join(ErrFilesystem, err)
	}
	defer s.lock.Release(1)

	data, err := s.fetch(ctx, sourceURL)
	if err != nil {
		slog.Error("imagestore: HTTP error saving image", "filename", filename, "url", sourceURL, "error", err)

		return errors.Join(ErrNetwork, err)
	}

	path := s.Path(filename)
	_, statErr := os.Stat(path)
	existed := statErr == nil

	if err := s.write(path, data); err != nil {
		slog.Error("imagestore: I/O error saving image", "filename", filename, "error", err)
		sentry.CaptureException(err)
		// non-atomic writers may leave a partial file behind
		if !existed {
			_ = os.Remove(path)
		}

		return errors.Join(ErrFilesystem, err)
	}

	slog.Info("imagestore: Successfully saved image", "filename", filename, "bytes", len(data))

	return nil
}

func (s *Store) fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req := s.http.R().SetContext(ctx)
	if s.maxBytes > 0 {
		req.SetResponseBodyLimit(int(s.maxBytes))
	}

	resp, err := req.Get(sourceURL)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err != nil {
		return nil, err
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}

	return resp.Body(), nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	// temp file lives next to the target so the rename never crosses devices
	pending, err := renameio.TempFile(s.dir, path)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return err
	}
	if err := pending.Chmod(0o644); err != nil {
		return err
	}

	return pending.CloseAtomicallyReplace()
}

// Reclaim deletes filename. It reports false without an error when the file
// does not exist.
func (s *Store) Reclaim(ctx context.Context, filename string) (bool, error) {
	if err := validateName(filename); err != nil {
		slog.Error("imagestore: Refusing to delete image", "filename", filename, "error", err)

		return false, errors.Join(ErrFilesystem, err)
	}

	if err := s.lock.Acquire(ctx, 1); err != nil {
		slog.Error("imagestore: Cannot acquire lock for deleting", "filename", filename, "error", err)

		return false, errors.Join(ErrFilesystem, err)
	}
	defer s.lock.Release(1)

	return s.reclaim(filename)
}

func (s *Store) reclaim(filename string) (bool, error) {
	err := os.Remove(s.Path(filename))
	switch {
	case err == nil:
		slog.Info("imagestore: Deleted image", "filename", filename)

		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("imagestore: Attempted to delete non-existent file", "filename", filename)

		return false, nil
	default:
		slog.Error("imagestore: Error deleting image", "filename", filename, "error", err)
		sentry.CaptureException(err)

		return false, errors.Join(ErrFilesystem, err)
	}
}

// Drain reclaims every valid entry. A failed deletion does not stop the
// remaining ones.
func (s *Store) Drain(ctx context.Context) (processed, reclaimed int) {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		slog.Error("imagestore: Cannot acquire lock for cleanup", "error", err)

		return 0, 0
	}
	defer s.lock.Release(1)

	for _, name := range s.list() {
		processed++
		if ok, _ := s.reclaim(name); ok {
			reclaimed++
		}
	}

	return processed, reclaimed
}

func validateName(filename string) error {
	if filename == "" || filename != filepath.Base(filename) || strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}
	if !IsSupported(filename) {
		return fmt.Errorf("%w: unsupported extension in %q", ErrInvalidName, filename)
	}

	return nil
}
