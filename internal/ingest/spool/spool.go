// Package spool manages the directory in which inbound log files are staged
// for the loader.
package spool

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danjacques/gofslock/fslock"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	SuffixPlain = ".log"
	SuffixGzip  = ".log.gz"
	SuffixZstd  = ".log.zst"

	lockName = ".lock"
	// MaxLineSize bounds a single record line.
	MaxLineSize = 1 << 20
)

var (
	// ErrLocked reports that another process already consumes the spool.
	ErrLocked = errors.New("spool directory is locked by another process")
	// ErrLineTooLong reports a line above MaxLineSize. It does not end EachLine.
	ErrLineTooLong = errors.New("spool line exceeds maximum size")
)

// File is a ready spool file.
type File struct {
	Name string
	Path string
	Size int64
}

// IsReady reports whether name marks a complete file. Hidden names are
// in-flight temporaries or bookkeeping.
func IsReady(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, SuffixPlain) ||
		strings.HasSuffix(name, SuffixGzip) ||
		strings.HasSuffix(name, SuffixZstd)
}

// ReadyFiles lists the ready files of dir in lexical order.
func ReadyFiles(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	var out []File
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsReady(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		out = append(out, File{Name: e.Name(), Path: filepath.Join(dir, e.Name()), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open returns a reader over the decompressed content of path.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, SuffixGzip):
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return &stackedReader{Reader: gz, closers: []func() error{gz.Close, f.Close}}, nil
	case strings.HasSuffix(path, SuffixZstd):
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return &stackedReader{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }, f.Close}}, nil
	default:
		return f, nil
	}
}

type stackedReader struct {
	io.Reader
	closers []func() error
}

func (r *stackedReader) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EachLine calls fn for every line of r with its line ending removed. A line
// longer than MaxLineSize is skipped and reported to fn as ErrLineTooLong
// with an empty line; reading continues with the next line. Iteration stops
// at the first error returned by fn.
func EachLine(r io.Reader, fn func(line string, err error) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(bytes.TrimRight(buf, "\r\n")) > MaxLineSize {
				tooLong, buf = true, buf[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return err
		}
		switch {
		case tooLong:
			tooLong = false
			if ferr := fn("", ErrLineTooLong); ferr != nil {
				return ferr
			}
		case len(buf) > 0:
			line := strings.TrimRight(strings.TrimSuffix(string(buf), "\n"), "\r")
			if ferr := fn(line, nil); ferr != nil {
				return ferr
			}
		}
		buf = buf[:0]
		if eof {
			return nil
		}
	}
}

// Lock holds the exclusive consumer lock of a spool directory.
type Lock struct {
	h fslock.Handle
}

// Acquire takes the consumer lock of dir without blocking.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir spool dir: %w", err)
	}
	h, err := fslock.Lock(filepath.Join(dir, lockName))
	if err != nil {
		if errors.Is(err, fslock.ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("lock spool dir: %w", err)
	}
	return &Lock{h: h}, nil
}

func (l *Lock) Release() error {
	return l.h.Unlock()
}
