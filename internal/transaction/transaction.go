package transaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"media-recompressor/internal/failure"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Status describes how a transaction ended when it did not fail.
type Status string

const (
	StatusCompressed     Status = "compressed"
	StatusKeptOriginal   Status = "kept_original"
	StatusAlreadyOptimal Status = "already_optimal"
)

const (
	backupSuffix = ".bak"
	tempPattern  = ".recompress-*.tmp"
)

// Plan describes one in-place replacement.
type Plan struct {
	// Path is the file to replace.
	Path string
	// Token namespaces the backup file name, usually the asset id.
	Token string
	// TargetPath is where the new content is committed. Empty means Path.
	// When it differs, the file at Path is removed after the commit.
	TargetPath string
	// Inspect may decline the file before a backup is taken. A
	// failure.KindAlreadyOptimal error ends the transaction successfully.
	Inspect func(src io.Reader, size int64) error
	// Encode reads the original content and writes the replacement.
	Encode func(src io.Reader, dst io.Writer) error
	// Finish runs on the encoded temp file before the size check.
	// Its error is logged and otherwise ignored.
	Finish func(tempPath, backupPath string) error
	// Relocated runs after the new content is in place at TargetPath and
	// before the file at Path is removed. An error undoes the commit and
	// leaves the original where it was.
	Relocated func(finalPath string) error
}

// Result is the observable outcome of a transaction.
type Result struct {
	Path           string
	FinalPath      string
	OriginalSize   int64
	CompressedSize int64
	CandidateSize  int64
	Status         Status
	RolledBack     bool
	BackupPath     string
	BackupRemoved  bool

	// Reason is set when the original was kept on purpose, for example a
	// failure.KindSizeRegression.
	Reason error
}

// Manager runs safe-replace transactions against a file system.
type Manager struct {
	fs         afero.Fs
	scratchDir string
	logger     *logrus.Logger
	locks      *pathLocks
	now        func() time.Time
}

// NewManager creates a Manager that keeps backups in scratchDir.
func NewManager(fs afero.Fs, scratchDir string, logger *logrus.Logger) *Manager {
	return &Manager{
		fs:         fs,
		scratchDir: scratchDir,
		logger:     logger,
		locks:      newPathLocks(),
		now:        time.Now,
	}
}

// Run executes plan. On return the file at plan.Path is either the original
// bytes or the complete new encoding; the target is only ever replaced by a
// rename of a fully written temp file.
func (m *Manager) Run(ctx context.Context, plan Plan) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan.Encode == nil {
		return nil, errors.New("transaction: plan has no encode step")
	}

	final := plan.Path
	if plan.TargetPath != "" {
		final = plan.TargetPath
	}

	unlock := m.locks.lock(plan.Path, final)
	defer unlock()

	log := m.logger.WithFields(logrus.Fields{"file": plan.Path, "operation": "safe_replace"})

	info, err := m.fs.Stat(plan.Path)
	if err != nil {
		return nil, failure.New(failure.KindSourceUnreadable, "stat source", plan.Path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, failure.New(failure.KindSourceUnreadable, "stat source", plan.Path, errors.New("not a regular file"))
	}

	res := &Result{
		Path:           plan.Path,
		FinalPath:      plan.Path,
		OriginalSize:   info.Size(),
		CompressedSize: info.Size(),
		Status:         StatusKeptOriginal,
	}

	if plan.Inspect != nil {
		if err := m.inspect(plan, info.Size()); err != nil {
			if failure.Is(err, failure.KindAlreadyOptimal) {
				log.Debug("File already optimal, nothing to do")
				res.Status = StatusAlreadyOptimal
				return res, nil
			}
			return nil, err
		}
	}

	backup, err := m.backup(plan)
	if err != nil {
		return nil, err
	}
	res.BackupPath = backup
	defer func() {
		res.BackupRemoved = m.removeBackup(backup, log)
	}()

	tmp, size, err := m.encode(plan, backup)
	if err != nil {
		res.RolledBack = true
		return res, err
	}

	if plan.Finish != nil {
		if err := plan.Finish(tmp, backup); err != nil {
			log.WithError(err).Warn("Post-encode step failed")
		}
		if fi, err := m.fs.Stat(tmp); err == nil {
			size = fi.Size()
		}
	}
	res.CandidateSize = size

	if size > info.Size() {
		_ = m.fs.Remove(tmp)
		res.RolledBack = true
		res.Reason = failure.New(failure.KindSizeRegression, "size check", plan.Path,
			fmt.Errorf("encoded %d bytes, original %d", size, info.Size()))
		log.WithFields(logrus.Fields{
			"original_size":  info.Size(),
			"candidate_size": size,
		}).Info("Encoded file larger than original, keeping original")
		return res, nil
	}

	if err := m.commit(plan, final, tmp, size, backup, log); err != nil {
		res.RolledBack = true
		return res, err
	}

	res.FinalPath = final
	res.CompressedSize = size
	res.Status = StatusCompressed
	return res, nil
}

func (m *Manager) inspect(plan Plan, size int64) error {
	f, err := m.fs.Open(plan.Path)
	if err != nil {
		return failure.New(failure.KindSourceUnreadable, "open source", plan.Path, err)
	}
	defer f.Close()

	return withPath(plan.Inspect(f, size), plan.Path)
}

// backup copies the source into the scratch directory under a unique name.
func (m *Manager) backup(plan Plan) (string, error) {
	if err := m.fs.MkdirAll(m.scratchDir, 0755); err != nil {
		return "", failure.New(failure.KindBackupFailure, "create scratch dir", m.scratchDir, err)
	}

	name := uuid.NewString() + "-" + filepath.Base(plan.Path) + backupSuffix
	if plan.Token != "" {
		name = plan.Token + "-" + name
	}
	backup := filepath.Join(m.scratchDir, name)

	if err := m.copyFile(plan.Path, backup); err != nil {
		_ = m.fs.Remove(backup)
		return "", failure.New(failure.KindBackupFailure, "backup", plan.Path, err)
	}
	return backup, nil
}

// encode writes the new content into a temp file beside the target.
func (m *Manager) encode(plan Plan, backup string) (string, int64, error) {
	src, err := m.fs.Open(backup)
	if err != nil {
		return "", 0, failure.New(failure.KindSourceUnreadable, "open backup", backup, err)
	}
	defer src.Close()

	tmp, err := afero.TempFile(m.fs, filepath.Dir(plan.Path), tempPattern)
	if err != nil {
		return "", 0, failure.New(failure.KindEncodeFailure, "create temp file", plan.Path, err)
	}
	tmpPath := tmp.Name()

	encodeErr := plan.Encode(src, tmp)
	if encodeErr == nil {
		encodeErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if encodeErr == nil {
		encodeErr = closeErr
	}
	if encodeErr != nil {
		_ = m.fs.Remove(tmpPath)
		if failure.KindOf(encodeErr) != failure.KindUnknown {
			return "", 0, withPath(encodeErr, plan.Path)
		}
		return "", 0, failure.New(failure.KindEncodeFailure, "encode", plan.Path, encodeErr)
	}

	fi, err := m.fs.Stat(tmpPath)
	if err != nil {
		_ = m.fs.Remove(tmpPath)
		return "", 0, failure.New(failure.KindEncodeFailure, "stat encoded file", plan.Path, err)
	}
	if fi.Size() == 0 {
		_ = m.fs.Remove(tmpPath)
		return "", 0, failure.New(failure.KindEncodeFailure, "encode", plan.Path, errors.New("encoder produced no output"))
	}
	return tmpPath, fi.Size(), nil
}

func (m *Manager) commit(plan Plan, final, tmp string, size int64, backup string, log *logrus.Entry) error {
	path := plan.Path
	if final != path {
		if _, err := m.fs.Stat(final); err == nil {
			_ = m.fs.Remove(tmp)
			return failure.New(failure.KindEncodeFailure, "commit", final, errors.New("target path already exists"))
		}
	}

	if err := m.fs.Rename(tmp, final); err != nil {
		_ = m.fs.Remove(tmp)
		return failure.New(failure.KindEncodeFailure, "commit", final, err)
	}

	if fi, err := m.fs.Stat(final); err != nil || fi.Size() != size {
		if final != path {
			_ = m.fs.Remove(final)
		} else if rerr := m.restore(backup, path); rerr != nil {
			log.WithError(rerr).Error("Failed to restore original after bad commit")
		}
		return failure.New(failure.KindEncodeFailure, "verify commit", final, fmt.Errorf("committed file does not match encoded output"))
	}

	if final != path {
		if plan.Relocated != nil {
			if err := plan.Relocated(final); err != nil {
				_ = m.fs.Remove(final)
				return failure.New(failure.KindEncodeFailure, "relocate", final, err)
			}
		}
		if err := m.fs.Remove(path); err != nil {
			log.WithError(err).Warn("Failed to remove replaced file")
		}
	}
	return nil
}

// restore puts the backup back over path via temp file and rename.
func (m *Manager) restore(backup, path string) error {
	tmp, err := afero.TempFile(m.fs, filepath.Dir(path), tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := m.copyFile(backup, tmpPath); err != nil {
		_ = m.fs.Remove(tmpPath)
		return err
	}
	return m.fs.Rename(tmpPath, path)
}

func (m *Manager) removeBackup(backup string, log *logrus.Entry) bool {
	if err := m.fs.Remove(backup); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("backup", backup).Warn("Failed to remove backup, leaving it for the sweep")
		return false
	}
	return true
}

// copyFile copies src to dst and syncs dst.
func (m *Manager) copyFile(src, dst string) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Sweep removes backups older than maxAge left behind by transactions whose
// cleanup failed or was interrupted. Temp files from encodes cut short by a
// crash live beside their targets, so each of roots is walked for those too.
// It returns the number of files removed.
func (m *Manager) Sweep(maxAge time.Duration, roots ...string) (int, error) {
	cutoff := m.now().Add(-maxAge)
	removed := 0
	var errs []error

	entries, err := afero.ReadDir(m.fs, m.scratchDir)
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("read scratch dir: %w", err))
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), backupSuffix) || !e.ModTime().Before(cutoff) {
			continue
		}
		if err := m.fs.Remove(filepath.Join(m.scratchDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	for _, root := range roots {
		n, err := m.sweepTemps(root, cutoff)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if removed > 0 {
		m.logger.WithFields(logrus.Fields{"removed": removed, "dir": m.scratchDir, "roots": roots}).Info("Swept orphaned transaction files")
	}
	return removed, errors.Join(errs...)
}

// sweepTemps removes stale encode temp files under root. Files younger than
// cutoff may belong to a running transaction and are left alone.
func (m *Manager) sweepTemps(root string, cutoff time.Time) (int, error) {
	scratch := filepath.Clean(m.scratchDir)
	removed := 0
	var errs []error
	err := afero.Walk(m.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			errs = append(errs, err)
			return nil
		}
		if info.IsDir() {
			if filepath.Clean(path) == scratch {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(tempPattern, info.Name()); !ok || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := m.fs.Remove(path); err != nil {
			errs = append(errs, err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("walk %s: %w", root, err))
	}
	return removed, errors.Join(errs...)
}

func withPath(err error, path string) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Path == "" {
		fe.Path = path
	}
	return err
}

// pathLocks serialises transactions per file path.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// lock acquires every distinct path in sorted order and returns the release func.
func (p *pathLocks) lock(paths ...string) func() {
	keys := make([]string, 0, len(paths))
	seen := make(map[string]bool)
	for _, path := range paths {
		k := filepath.Clean(path)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	held := make([]*pathLock, 0, len(keys))
	for _, k := range keys {
		p.mu.Lock()
		l, ok := p.locks[k]
		if !ok {
			l = &pathLock{}
			p.locks[k] = l
		}
		l.refs++
		p.mu.Unlock()

		l.mu.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			p.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(p.locks, keys[i])
			}
			p.mu.Unlock()
		}
	}
}
