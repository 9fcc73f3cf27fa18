package loader

// reader.go opens CSV inputs as a stream of clean UTF-8:
//
//   - transparent decompression chosen by file suffix (.gz, .bz2, .xz, .zst)
//   - a leading UTF-8 byte order mark is dropped
//   - invalid UTF-8 bytes are replaced with '?'
//
// Files are never loaded into memory whole.

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression identifies how an input file is compressed.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGZ
	CompressionBZ2
	CompressionXZ
	CompressionZSTD
)

var compressionExt = map[Compression]string{
	CompressionGZ:   ".gz",
	CompressionBZ2:  ".bz2",
	CompressionXZ:   ".xz",
	CompressionZSTD: ".zst",
}

// Extension returns the file suffix for c, or "" for CompressionNone.
func (c Compression) Extension() string { return compressionExt[c] }

// DetectCompression picks the compression from the file suffix.
func DetectCompression(path string) Compression {
	lower := strings.ToLower(path)
	for c, ext := range compressionExt {
		if strings.HasSuffix(lower, ext) {
			return c
		}
	}
	return CompressionNone
}

// IsCSVPath reports whether path names a CSV file, optionally compressed.
func IsCSVPath(path string) bool {
	lower := strings.ToLower(path)
	if ext := DetectCompression(lower).Extension(); ext != "" {
		lower = strings.TrimSuffix(lower, ext)
	}
	return filepath.Ext(lower) == ".csv"
}

// decompress wraps r according to c. The returned cleanup releases decoder
// resources; it does not close r.
func decompress(r io.Reader, c Compression) (io.Reader, func() error, error) {
	switch c {
	case CompressionGZ:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, gz.Close, nil
	case CompressionBZ2:
		return bzip2.NewReader(r), func() error { return nil }, nil
	case CompressionXZ:
		x, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xz: %w", err)
		}
		return x, func() error { return nil }, nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return dec, func() error { dec.Close(); return nil }, nil
	default:
		return r, func() error { return nil }, nil
	}
}

// source is an opened input file.
type source struct {
	io.Reader
	progress *progressReader
	closers  []func() error
}

func (s *source) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openSource opens path and returns a clean UTF-8 stream of its content.
func openSource(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}

	progress := newProgressReader(f, size)
	src := &source{progress: progress, closers: []func() error{f.Close}}

	r, cleanup, err := decompress(progress, DetectCompression(path))
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	src.closers = append(src.closers, cleanup)
	src.Reader = newUTF8Sanitizer(skipBOM(r))
	return src, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM drops a leading UTF-8 byte order mark. Inputs shorter than the
// mark, or starting with only part of it, pass through unchanged.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// utf8Sanitizer replaces each byte that is not part of a valid UTF-8
// sequence with '?'. Replacing with U+FFFD would grow the stream by two
// bytes per bad byte; '?' keeps it length-preserving.
type utf8Sanitizer struct {
	br      *bufio.Reader
	pending []byte
	err     error
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &utf8Sanitizer{br: br}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]

	var enc [utf8.UTFMax]byte
	for n < len(p) {
		if s.err != nil {
			break
		}
		r, size, err := s.br.ReadRune()
		if err != nil {
			s.err = err
			break
		}
		switch {
		case r == utf8.RuneError && size == 1:
			p[n] = '?'
			n++
		case size == 1:
			p[n] = byte(r)
			n++
		default:
			w := utf8.EncodeRune(enc[:], r)
			c := copy(p[n:], enc[:w])
			n += c
			if c < w {
				s.pending = append([]byte(nil), enc[c:w]...)
			}
		}
	}
	if n > 0 {
		return n, nil
	}
	return 0, s.err
}

// progressReader counts bytes read from the underlying file so progress
// can be reported against its size.
type progressReader struct {
	r     io.Reader
	read  int64
	total int64
}

func newProgressReader(r io.Reader, total int64) *progressReader {
	return &progressReader{r: r, total: total}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	return n, err
}

// BytesRead returns the number of raw bytes consumed so far.
func (p *progressReader) BytesRead() int64 { return p.read }

// Percent returns progress as 0-100, or 0 when the size is unknown.
func (p *progressReader) Percent() int {
	if p.total <= 0 {
		return 0
	}
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
