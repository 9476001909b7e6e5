// Log file rotation support.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the active log file.
	Filename string

	// MaxSize is the maximum size in megabytes before rotation (default 10).
	MaxSize int

	// MaxBackups is the maximum number of rotated files kept (default 5).
	MaxBackups int
}

// RotatingFileWriter is an io.Writer that rotates the underlying file once
// it exceeds a size limit, keeping a bounded number of timestamped backups.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxBackups  int
	currentSize int64
	file        *os.File
}

// NewRotatingFileWriter opens (or creates) the log file for appending.
func NewRotatingFileWriter(cfg RotationConfig) (*RotatingFileWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log: filename required")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	w := &RotatingFileWriter{
		filename:   cfg.Filename,
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("log: create directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat file: %w", err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log: rotate: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	ext := filepath.Ext(w.filename)
	base := strings.TrimSuffix(w.filename, ext)
	rotated := fmt.Sprintf("%s.%s%s", base, time.Now().Format("20060102-150405"), ext)

	if err := os.Rename(w.filename, rotated); err != nil {
		w.open()
		return err
	}

	w.pruneBackups()
	return w.open()
}

// pruneBackups removes the oldest rotated files beyond maxBackups.
func (w *RotatingFileWriter) pruneBackups() {
	dir := filepath.Dir(w.filename)
	base := filepath.Base(w.filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if name != base && isRotatedName(name, prefix, ext) {
			backups = append(backups, filepath.Join(dir, name))
		}
	}

	// Timestamped names sort chronologically.
	sort.Strings(backups)
	for len(backups) > w.maxBackups {
		os.Remove(backups[0])
		backups = backups[1:]
	}
}

// isRotatedName matches prefix.YYYYMMDD-HHMMSS.ext.
func isRotatedName(name, prefix, ext string) bool {
	name = strings.TrimSuffix(name, ext)
	if !strings.HasPrefix(name, prefix+".") {
		return false
	}
	stamp := strings.TrimPrefix(name, prefix+".")
	if len(stamp) != 15 || stamp[8] != '-' {
		return false
	}
	_, err1 := strconv.Atoi(stamp[:8])
	_, err2 := strconv.Atoi(stamp[9:])
	return err1 == nil && err2 == nil
}

// Close closes the underlying file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// CurrentSize returns the size of the active log file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}

// NewFileLogger creates a logger writing to a rotating file, colors off.
func NewFileLogger(prefix string, cfg RotationConfig) (*Logger, *RotatingFileWriter, error) {
	writer, err := NewRotatingFileWriter(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger := New(prefix)
	logger.SetWriter(writer)
	logger.SetColorize(false)
	return logger, writer, nil
}
