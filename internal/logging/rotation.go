package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFile is an io.Writer over a log file that is renamed to
// <path>.1 (shifting older backups up) once it grows past a size limit.
type RotatingFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int
	f       *os.File
	size    int64
}

// OpenRotatingFile opens path for appending. Non-positive limits fall back
// to 20 MB and 3 backups.
func OpenRotatingFile(path string, maxSizeMB, backups int) (*RotatingFile, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if backups <= 0 {
		backups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	rf := &RotatingFile{path: path, limit: int64(maxSizeMB) << 20, backups: backups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.size > 0 && rf.size+int64(len(p)) > rf.limit {
		if err := rf.shift(); err != nil {
			return 0, err
		}
	}
	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the current file.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f == nil {
		return nil
	}
	err := rf.f.Close()
	rf.f = nil
	return err
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", rf.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("logging: stat %s: %w", rf.path, err)
	}
	rf.f, rf.size = f, st.Size()
	return nil
}

func (rf *RotatingFile) shift() error {
	if rf.f != nil {
		rf.f.Close()
	}
	os.Remove(rf.backup(rf.backups))
	for i := rf.backups - 1; i >= 1; i-- {
		os.Rename(rf.backup(i), rf.backup(i+1))
	}
	if err := os.Rename(rf.path, rf.backup(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logging: rotate: %w", err)
	}
	return rf.open()
}

func (rf *RotatingFile) backup(i int) string {
	return fmt.Sprintf("%s.%d", rf.path, i)
}
