package transaction

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-recompressor/internal/failure"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scratch = "/scratch"

func newTestManager(t *testing.T, fs afero.Fs) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(fs, scratch, logger)
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(b)
}

func writeConst(s string) func(io.Reader, io.Writer) error {
	return func(_ io.Reader, w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func assertNoLeftovers(t *testing.T, fs afero.Fs, dir string) {
	t.Helper()
	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left: %s", e.Name())
	}
	backups, _ := afero.ReadDir(fs, scratch)
	assert.Empty(t, backups)
}

func TestRun_CommitsSmallerOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", "original-content-0123456789")
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{Path: "/lib/a.jpg", Token: "7", Encode: writeConst("small")})
	require.NoError(t, err)

	assert.Equal(t, StatusCompressed, res.Status)
	assert.Equal(t, int64(27), res.OriginalSize)
	assert.Equal(t, int64(5), res.CompressedSize)
	assert.LessOrEqual(t, res.CompressedSize, res.OriginalSize)
	assert.False(t, res.RolledBack)
	assert.True(t, res.BackupRemoved)
	assert.True(t, strings.HasPrefix(res.BackupPath, scratch+"/7-"))
	assert.Equal(t, "small", readFile(t, fs, "/lib/a.jpg"))
	assertNoLeftovers(t, fs, "/lib")
}

func TestRun_EncoderReadsOriginalBytes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.png", "ABCDEFGH")
	m := newTestManager(t, fs)

	_, err := m.Run(context.Background(), Plan{
		Path: "/lib/a.png",
		Encode: func(src io.Reader, dst io.Writer) error {
			b, err := io.ReadAll(src)
			if err != nil {
				return err
			}
			_, err = dst.Write([]byte(strings.ToLower(string(b[:4]))))
			return err
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "abcd", readFile(t, fs, "/lib/a.png"))
}

func TestRun_SizeRegressionKeepsOriginal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", "tiny")
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{Path: "/lib/a.jpg", Encode: writeConst("much larger output")})
	require.NoError(t, err)

	assert.Equal(t, StatusKeptOriginal, res.Status)
	assert.True(t, res.RolledBack)
	assert.Equal(t, res.OriginalSize, res.CompressedSize)
	assert.Equal(t, int64(18), res.CandidateSize)
	assert.True(t, failure.Is(res.Reason, failure.KindSizeRegression))
	assert.Equal(t, "tiny", readFile(t, fs, "/lib/a.jpg"))
	assertNoLeftovers(t, fs, "/lib")
}

func TestRun_EqualSizeCommits(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", "abcd")
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{Path: "/lib/a.jpg", Encode: writeConst("wxyz")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompressed, res.Status)
	assert.Equal(t, "wxyz", readFile(t, fs, "/lib/a.jpg"))
}

func TestRun_EncodeFailureLeavesOriginal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", "original-bytes")
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{
		Path: "/lib/a.jpg",
		Encode: func(_ io.Reader, w io.Writer) error {
			_, _ = io.WriteString(w, "half")
			return errors.New("codec crashed")
		},
	})
	require.Error(t, err)

	assert.True(t, failure.Is(err, failure.KindEncodeFailure))
	assert.True(t, res.RolledBack)
	assert.True(t, res.BackupRemoved)
	assert.Equal(t, "original-bytes", readFile(t, fs, "/lib/a.jpg"))
	assertNoLeftovers(t, fs, "/lib")
}

func TestRun_EmptyOutputIsFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", "original-bytes")
	m := newTestManager(t, fs)

	_, err := m.Run(context.Background(), Plan{Path: "/lib/a.jpg", Encode: writeConst("")})
	assert.True(t, failure.Is(err, failure.KindEncodeFailure))
	assert.Equal(t, "original-bytes", readFile(t, fs, "/lib/a.jpg"))
}

func TestRun_AdapterKindIsKept(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.gif", "GIF89a....")
	m := newTestManager(t, fs)

	_, err := m.Run(context.Background(), Plan{
		Path: "/lib/a.gif",
		Encode: func(io.Reader, io.Writer) error {
			return failure.New(failure.KindAnimatedSource, "decode gif", "", nil)
		},
	})
	assert.True(t, failure.Is(err, failure.KindAnimatedSource))

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "/lib/a.gif", fe.Path)
}

func TestRun_MissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{Path: "/lib/missing.jpg", Encode: writeConst("x")})
	assert.Nil(t, res)
	assert.True(t, failure.Is(err, failure.KindSourceUnreadable))

	exists, _ := afero.DirExists(fs, scratch)
	assert.False(t, exists, "no backup state may be created")
}

func TestRun_BackupFailureAbortsBeforeTouchingTarget(t *testing.T) {
	base := afero.NewMemMapFs()
	writeFile(t, base, "/lib/a.jpg", "original-bytes")
	fs := afero.NewReadOnlyFs(base)
	m := newTestManager(t, fs)

	called := false
	_, err := m.Run(context.Background(), Plan{
		Path: "/lib/a.jpg",
		Encode: func(io.Reader, io.Writer) error {
			called = true
			return nil
		},
	})
	assert.True(t, failure.Is(err, failure.KindBackupFailure))
	assert.False(t, called)
	assert.Equal(t, "original-bytes", readFile(t, base, "/lib/a.jpg"))
}

func TestRun_InspectAlreadyOptimal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/fav.ico", "icon")
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{
		Path: "/lib/fav.ico",
		Inspect: func(io.Reader, int64) error {
			return failure.New(failure.KindAlreadyOptimal, "inspect ico", "", nil)
		},
		Encode: writeConst("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyOptimal, res.Status)
	assert.Empty(t, res.BackupPath)
	assert.Equal(t, "icon", readFile(t, fs, "/lib/fav.ico"))
}

func TestRun_InspectRefusalTakesNoBackup(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.gif", "anim")
	m := newTestManager(t, fs)

	_, err := m.Run(context.Background(), Plan{
		Path: "/lib/a.gif",
		Inspect: func(io.Reader, int64) error {
			return failure.New(failure.KindAnimatedSource, "inspect gif", "", nil)
		},
		Encode: writeConst("x"),
	})
	assert.True(t, failure.Is(err, failure.KindAnimatedSource))
	exists, _ := afero.DirExists(fs, scratch)
	assert.False(t, exists)
}

func TestRun_TargetPathRenames(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/fav.ico", strings.Repeat("i", 100))
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{
		Path:       "/lib/fav.ico",
		TargetPath: "/lib/fav.png",
		Encode:     writeConst("png"),
	})
	require.NoError(t, err)

	assert.Equal(t, "/lib/fav.png", res.FinalPath)
	assert.Equal(t, "png", readFile(t, fs, "/lib/fav.png"))
	gone, _ := afero.Exists(fs, "/lib/fav.ico")
	assert.False(t, gone)
}

func TestRun_RelocatedHookRunsBeforeOldFileIsRemoved(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/fav.ico", strings.Repeat("i", 100))
	m := newTestManager(t, fs)

	var sawFinal string
	var oldStillThere bool
	res, err := m.Run(context.Background(), Plan{
		Path:       "/lib/fav.ico",
		TargetPath: "/lib/fav.png",
		Encode:     writeConst("png"),
		Relocated: func(finalPath string) error {
			sawFinal = finalPath
			oldStillThere, _ = afero.Exists(fs, "/lib/fav.ico")
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/lib/fav.png", res.FinalPath)
	assert.Equal(t, "/lib/fav.png", sawFinal)
	assert.True(t, oldStillThere)
}

func TestRun_RelocatedFailureRestoresOldPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/fav.ico", strings.Repeat("i", 100))
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{
		Path:       "/lib/fav.ico",
		TargetPath: "/lib/fav.png",
		Encode:     writeConst("png"),
		Relocated: func(string) error {
			return errors.New("registry unavailable")
		},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "registry unavailable")
	assert.True(t, res.RolledBack)

	assert.Equal(t, strings.Repeat("i", 100), readFile(t, fs, "/lib/fav.ico"))
	exists, _ := afero.Exists(fs, "/lib/fav.png")
	assert.False(t, exists)
	assertNoLeftovers(t, fs, "/lib")
}

func TestRun_TargetPathCollisionKeepsOriginal(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/fav.ico", strings.Repeat("i", 100))
	writeFile(t, fs, "/lib/fav.png", "someone else")
	m := newTestManager(t, fs)

	_, err := m.Run(context.Background(), Plan{
		Path:       "/lib/fav.ico",
		TargetPath: "/lib/fav.png",
		Encode:     writeConst("png"),
	})
	assert.True(t, failure.Is(err, failure.KindEncodeFailure))
	assert.Equal(t, "someone else", readFile(t, fs, "/lib/fav.png"))
	assert.Equal(t, strings.Repeat("i", 100), readFile(t, fs, "/lib/fav.ico"))
	assertNoLeftovers(t, fs, "/lib")
}

func TestRun_FinishHookSeesTempAndBackup(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", "original-content")
	m := newTestManager(t, fs)

	var sawTemp, sawBackup string
	res, err := m.Run(context.Background(), Plan{
		Path:   "/lib/a.jpg",
		Encode: writeConst("new"),
		Finish: func(tempPath, backupPath string) error {
			sawTemp, sawBackup = tempPath, backupPath
			return afero.WriteFile(fs, tempPath, []byte("new+meta"), 0644)
		},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sawTemp, "/lib/.recompress-"))
	assert.Equal(t, res.BackupPath, sawBackup)
	assert.Equal(t, int64(8), res.CompressedSize)
	assert.Equal(t, "new+meta", readFile(t, fs, "/lib/a.jpg"))
}

type stickyBackupFs struct {
	afero.Fs
}

func (s stickyBackupFs) Remove(name string) error {
	if strings.HasSuffix(name, backupSuffix) {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrPermission}
	}
	return s.Fs.Remove(name)
}

func TestRun_BackupRemovalFailureIsNotFatal(t *testing.T) {
	fs := stickyBackupFs{afero.NewMemMapFs()}
	writeFile(t, fs, "/lib/a.jpg", "original-content")
	m := newTestManager(t, fs)

	res, err := m.Run(context.Background(), Plan{Path: "/lib/a.jpg", Encode: writeConst("new")})
	require.NoError(t, err)

	assert.Equal(t, StatusCompressed, res.Status)
	assert.False(t, res.BackupRemoved)
	left, _ := afero.Exists(fs, res.BackupPath)
	assert.True(t, left)
}

func TestRun_SamePathIsSerialised(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", strings.Repeat("x", 64))
	m := newTestManager(t, fs)

	var active, peak int32
	encode := func(src io.Reader, dst io.Writer) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		_, err := io.Copy(dst, src)
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Run(context.Background(), Plan{Path: "/lib/a.jpg", Encode: encode})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak)
	assert.Equal(t, strings.Repeat("x", 64), readFile(t, fs, "/lib/a.jpg"))
	assert.Empty(t, m.locks.locks)
}

func TestRun_SameBaseNameDifferentDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/2023/photo.jpg", "aaaaaaaaaa")
	writeFile(t, fs, "/lib/2024/photo.jpg", "bbbbbbbbbb")
	m := newTestManager(t, fs)

	var wg sync.WaitGroup
	for _, p := range []string{"/lib/2023/photo.jpg", "/lib/2024/photo.jpg"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, err := m.Run(context.Background(), Plan{
				Path: path,
				Encode: func(src io.Reader, dst io.Writer) error {
					b, _ := io.ReadAll(src)
					_, err := dst.Write(b[:3])
					return err
				},
			})
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, "aaa", readFile(t, fs, "/lib/2023/photo.jpg"))
	assert.Equal(t, "bbb", readFile(t, fs, "/lib/2024/photo.jpg"))
}

func TestRun_CancelledContext(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/lib/a.jpg", "original")
	m := newTestManager(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx, Plan{Path: "/lib/a.jpg", Encode: writeConst("x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweep_RemovesOnlyOldBackups(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	writeFile(t, fs, scratch+"/old.jpg.bak", "x")
	writeFile(t, fs, scratch+"/new.jpg.bak", "x")
	writeFile(t, fs, scratch+"/notes.txt", "x")
	require.NoError(t, fs.Chtimes(scratch+"/old.jpg.bak", now.Add(-48*time.Hour), now.Add(-48*time.Hour)))
	require.NoError(t, fs.Chtimes(scratch+"/new.jpg.bak", now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, fs.Chtimes(scratch+"/notes.txt", now.Add(-48*time.Hour), now.Add(-48*time.Hour)))

	removed, err := m.Sweep(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	for path, want := range map[string]bool{
		scratch + "/old.jpg.bak": false,
		scratch + "/new.jpg.bak": true,
		scratch + "/notes.txt":   true,
	} {
		ok, _ := afero.Exists(fs, path)
		assert.Equal(t, want, ok, path)
	}
}

func TestSweep_RemovesStaleTempFilesUnderRoots(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	old := now.Add(-48 * time.Hour)
	files := map[string]time.Time{
		"/lib/2023/.recompress-123.tmp": old,
		"/lib/.recompress-456.tmp":      now.Add(-time.Minute),
		"/lib/2023/photo.jpg":           old,
		"/lib/keep.tmp":                 old,
		scratch + "/stale.jpg.bak":      old,
	}
	for path, mtime := range files {
		writeFile(t, fs, path, "x")
		require.NoError(t, fs.Chtimes(path, mtime, mtime))
	}

	removed, err := m.Sweep(24*time.Hour, "/lib", "/not-there")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for path, want := range map[string]bool{
		"/lib/2023/.recompress-123.tmp": false,
		"/lib/.recompress-456.tmp":      true,
		"/lib/2023/photo.jpg":           true,
		"/lib/keep.tmp":                 true,
		scratch + "/stale.jpg.bak":      false,
	} {
		ok, _ := afero.Exists(fs, path)
		assert.Equal(t, want, ok, path)
	}
}

func TestSweep_MissingScratchDir(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs())
	removed, err := m.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
