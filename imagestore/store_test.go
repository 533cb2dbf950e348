package imagestore

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "imgs"), opts...)
	require.NoError(t, err)

	return s
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()

	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

// payloadServer serves size bytes of 'a' for /ok/* and fails everything else.
func payloadServer(t *testing.T, size int) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/ok/"):
			_, _ = w.Write(bytes.Repeat([]byte("a"), size))
		case r.URL.Path == "/slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		default:
			http.Error(w, "gone", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestNew_CreatesFolderIdempotently(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "imgs")

	_, err := New(dir)
	require.NoError(t, err)
	require.DirExists(t, dir)

	_, err = New(dir)
	require.NoError(t, err)
}

func TestNew_PathIsAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgs")
	require.NoError(t, os.WriteFile(path, []byte("not a dir"), 0o644))

	_, err := New(path)
	require.ErrorIs(t, err, ErrNotDirectory)
}

func TestList_FiltersUnsupported(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.Dir(),
		"a.png", "b.JPG", "c.jpeg", "d.WebP",
		"e.gif", "noext", ".hidden.png", ".jpg", "f.png.txt", "g.jpg123",
	)
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "dir.png"), 0o755))

	require.Equal(t, []string{"a.png", "b.JPG", "c.jpeg", "d.WebP"}, s.List(context.Background()))
}

func TestList_EmptyWhenDirectoryVanished(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.RemoveAll(s.Dir()))

	require.Empty(t, s.List(context.Background()))
}

func TestPersist_Success(t *testing.T) {
	srv := payloadServer(t, 500)
	s := newTestStore(t)

	err := s.Persist(context.Background(), srv.URL+"/ok/123.jpg", "123_p0.jpg")
	require.NoError(t, err)

	info, err := os.Stat(s.Path("123_p0.jpg"))
	require.NoError(t, err)
	require.EqualValues(t, 500, info.Size())
	require.Equal(t, []string{"123_p0.jpg"}, s.List(context.Background()))
}

func TestPersist_Non2xxLeavesNothing(t *testing.T) {
	srv := payloadServer(t, 10)
	s := newTestStore(t)

	err := s.Persist(context.Background(), srv.URL+"/missing", "1_p0.png")
	require.ErrorIs(t, err, ErrNetwork)
	require.NoFileExists(t, s.Path("1_p0.png"))
	require.Empty(t, s.List(context.Background()))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPersist_Timeout(t *testing.T) {
	srv := payloadServer(t, 10)
	s := newTestStore(t, WithFetchTimeout(50*time.Millisecond))

	err := s.Persist(context.Background(), srv.URL+"/slow", "1_p0.png")
	require.ErrorIs(t, err, ErrNetwork)
	require.NoFileExists(t, s.Path("1_p0.png"))
}

func TestPersist_RejectsOversizedPayload(t *testing.T) {
	srv := payloadServer(t, 2000)
	s := newTestStore(t, WithMaxBytes(1000))

	err := s.Persist(context.Background(), srv.URL+"/ok/big.png", "1_p0.png")
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, ErrTooLarge)
	require.NoFileExists(t, s.Path("1_p0.png"))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)

	// exactly at the limit is fine
	require.NoError(t, newTestStore(t, WithMaxBytes(2000)).Persist(context.Background(), srv.URL+"/ok/big.png", "1_p0.png"))
}

func TestPersist_ConnectionRefused(t *testing.T) {
	srv := payloadServer(t, 10)
	url := srv.URL
	srv.Close()

	s := newTestStore(t)

	err := s.Persist(context.Background(), url+"/ok/1.png", "1_p0.png")
	require.ErrorIs(t, err, ErrNetwork)
	require.Empty(t, s.List(context.Background()))
}

func TestPersist_RejectsBadNames(t *testing.T) {
	srv := payloadServer(t, 10)
	s := newTestStore(t)

	for _, name := range []string{"", "../escape.png", "sub/dir.png", "a.gif", ".png", "noext"} {
		err := s.Persist(context.Background(), srv.URL+"/ok/x", name)
		require.ErrorIs(t, err, ErrFilesystem, name)
		require.ErrorIs(t, err, ErrInvalidName, name)
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPersist_WriteFailureLeavesNoPartialFile(t *testing.T) {
	srv := payloadServer(t, 100)
	s := newTestStore(t)
	s.write = func(path string, data []byte) error {
		if err := os.WriteFile(path, data[:10], 0o644); err != nil {
			return err
		}

		return errors.New("disk full")
	}

	err := s.Persist(context.Background(), srv.URL+"/ok/x", "5_p0.webp")
	require.ErrorIs(t, err, ErrFilesystem)
	require.NoFileExists(t, s.Path("5_p0.webp"))
	require.Empty(t, s.List(context.Background()))
}

func TestPersist_ConcurrentWritesNeverObservedPartial(t *testing.T) {
	const size = 4096

	srv := payloadServer(t, size)
	s := newTestStore(t)
	s.write = func(path string, data []byte) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()

		half := len(data) / 2
		if _, err := f.Write(data[:half]); err != nil {
			return err
		}
		time.Sleep(30 * time.Millisecond)
		_, err = f.Write(data[half:])

		return err
	}

	names := []string{"1_p0.png", "2_p0.jpg", "3_p0.jpeg", "4_p0.webp"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observerDone := make(chan []string)
	go func() {
		var short []string
		for ctx.Err() == nil {
			for _, name := range s.List(context.Background()) {
				info, err := os.Stat(s.Path(name))
				if err == nil && info.Size() < size {
					short = append(short, name)
				}
			}
		}
		observerDone <- short
	}()

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Persist(context.Background(), srv.URL+"/ok/"+name, name)
		}()
	}
	wg.Wait()
	cancel()

	require.Empty(t, <-observerDone)
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.ElementsMatch(t, names, s.List(context.Background()))
}

func TestPersist_WaitsForLockUntilContextDone(t *testing.T) {
	srv := payloadServer(t, 10)
	s := newTestStore(t)

	require.NoError(t, s.lock.Acquire(context.Background(), 1))
	defer s.lock.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Persist(ctx, srv.URL+"/ok/x", "1_p0.png")
	require.ErrorIs(t, err, ErrFilesystem)
	require.NoFileExists(t, s.Path("1_p0.png"))
}

func TestReclaim(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.Dir(), "1_p0.png")

	ok, err := s.Reclaim(context.Background(), "1_p0.png")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, s.List(context.Background()))

	ok, err = s.Reclaim(context.Background(), "1_p0.png")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReclaim_DeleteFailure(t *testing.T) {
	s := newTestStore(t)
	// a non-empty directory named like an entry cannot be removed with os.Remove
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "7_p0.png", "inner"), 0o755))

	ok, err := s.Reclaim(context.Background(), "7_p0.png")
	require.False(t, ok)
	require.ErrorIs(t, err, ErrFilesystem)
}

func TestReclaim_RejectsEscapingNames(t *testing.T) {
	s := newTestStore(t)
	outside := filepath.Join(filepath.Dir(s.Dir()), "victim.png")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	ok, err := s.Reclaim(context.Background(), "../victim.png")
	require.False(t, ok)
	require.ErrorIs(t, err, ErrInvalidName)
	require.FileExists(t, outside)
}

func TestDrain_RemovesOnlyValidEntries(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.Dir(), "1.png", "2.jpg", "3.webp", "keep.txt", "keep", ".keep.png")

	processed, reclaimed := s.Drain(context.Background())
	require.Equal(t, 3, processed)
	require.Equal(t, 3, reclaimed)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)

	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	require.ElementsMatch(t, []string{"keep.txt", "keep", ".keep.png"}, left)
}

func TestDrain_SkipsDirectories(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.Dir(), "1.png", "3.png")
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "2.png", "inner"), 0o755))

	processed, reclaimed := s.Drain(context.Background())
	require.Equal(t, 2, processed)
	require.Equal(t, 2, reclaimed)
	require.Empty(t, s.List(context.Background()))
	require.DirExists(t, filepath.Join(s.Dir(), "2.png"))
}
