package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the encoding of files produced by a Writer.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd:
		return c, nil
	default:
		return "", fmt.Errorf("unknown spool compression %q", s)
	}
}

func (c Compression) suffix() string {
	switch c {
	case CompressionGzip:
		return SuffixGzip
	case CompressionZstd:
		return SuffixZstd
	default:
		return SuffixPlain
	}
}

// Writer lands batches of lines in a spool directory. A file only becomes
// visible under a ready name once its content is synced to disk.
type Writer struct {
	dir         string
	source      string
	compression Compression
	seq         atomic.Uint64
	now         func() time.Time
}

func NewWriter(dir, source string, compression Compression) (*Writer, error) {
	if source == "" || strings.ContainsAny(source, "/\\.") {
		return nil, fmt.Errorf("invalid spool source name %q", source)
	}
	if compression == "" {
		compression = CompressionNone
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir spool dir: %w", err)
	}
	return &Writer{dir: dir, source: source, compression: compression, now: time.Now}, nil
}

// WriteFile writes lines, one per line, to a new ready file and returns its
// path. An empty batch writes nothing.
func (w *Writer) WriteFile(lines []string) (string, error) {
	if len(lines) == 0 {
		return "", nil
	}
	name := fmt.Sprintf("%020d-%s-%06d%s", w.now().UnixNano(), w.source, w.seq.Add(1), w.compression.suffix())
	final := filepath.Join(w.dir, name)
	tmp := filepath.Join(w.dir, "."+name+".tmp")

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create spool temp file: %w", err)
	}
	if err := w.encode(f, lines); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish spool file: %w", err)
	}
	return final, syncDir(w.dir)
}

func (w *Writer) encode(f io.Writer, lines []string) error {
	var (
		out   io.Writer = f
		flush func() error
	)
	switch w.compression {
	case CompressionGzip:
		gz := gzip.NewWriter(f)
		out, flush = gz, gz.Close
	case CompressionZstd:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		out, flush = zw, zw.Close
	}
	for _, line := range lines {
		if _, err := io.WriteString(out, strings.TrimRight(line, "\r\n")+"\n"); err != nil {
			return fmt.Errorf("write spool file: %w", err)
		}
	}
	if flush != nil {
		if err := flush(); err != nil {
			return fmt.Errorf("finish spool file: %w", err)
		}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open spool dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync spool dir: %w", err)
	}
	return nil
}
