package loader

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

func TestSkipBOM(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "file with BOM",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello,world")...),
			expected: "hello,world",
		},
		{
			name:     "file without BOM",
			input:    []byte("hello,world"),
			expected: "hello,world",
		},
		{
			name:     "empty file",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "only BOM",
			input:    []byte{0xEF, 0xBB, 0xBF},
			expected: "",
		},
		{
			name:     "partial BOM at start",
			input:    []byte{0xEF, 0xBB, 'a', 'b', 'c'},
			expected: string([]byte{0xEF, 0xBB, 'a', 'b', 'c'}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := io.ReadAll(skipBOM(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestUTF8Sanitizer(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{"valid ASCII", []byte("hello,world"), "hello,world"},
		{"valid multibyte", []byte("vitesse,é,風"), "vitesse,é,風"},
		{"invalid single byte", []byte{'h', 'e', 0x80, 'l', 'o'}, "he?lo"},
		{"truncated sequence at EOF", []byte{'a', 0xE2, 0x82}, "a??"},
		{"empty input", []byte{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := io.ReadAll(newUTF8Sanitizer(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestUTF8SanitizerTinyReads(t *testing.T) {
	// One-byte reads force multibyte runes to be split across calls.
	in := "a,é,€,\x80,z"
	r := iotest.OneByteReader(newUTF8Sanitizer(strings.NewReader(in)))
	result, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "a,é,€,?,z"; string(result) != want {
		t.Errorf("got %q, want %q", result, want)
	}
}

func TestProgressReader(t *testing.T) {
	input := strings.Repeat("x", 1000)
	r := newProgressReader(strings.NewReader(input), int64(len(input)))

	buf := make([]byte, 100)
	total := 0
	for {
		n, err := r.Read(buf)
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if total == 500 && r.Percent() != 50 {
			t.Errorf("Percent at half = %d, want 50", r.Percent())
		}
	}

	if r.BytesRead() != int64(len(input)) {
		t.Errorf("BytesRead = %d, want %d", r.BytesRead(), len(input))
	}
	if r.Percent() != 100 {
		t.Errorf("Percent = %d, want 100", r.Percent())
	}
	if newProgressReader(strings.NewReader(""), 0).Percent() != 0 {
		t.Error("unknown size should report 0")
	}
}

func TestDetectCompression(t *testing.T) {
	tests := map[string]Compression{
		"a.csv":         CompressionNone,
		"a.csv.gz":      CompressionGZ,
		"A.CSV.GZ":      CompressionGZ,
		"a.csv.bz2":     CompressionBZ2,
		"a.csv.xz":      CompressionXZ,
		"dir/a.csv.zst": CompressionZSTD,
	}
	for path, want := range tests {
		if got := DetectCompression(path); got != want {
			t.Errorf("DetectCompression(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIsCSVPath(t *testing.T) {
	for _, p := range []string{"a.csv", "a.CSV", "x/y/a.csv.gz", "a.csv.zst"} {
		if !IsCSVPath(p) {
			t.Errorf("IsCSVPath(%q) = false", p)
		}
	}
	for _, p := range []string{"a.json", "a.gz", "wtk_data_1.zip", "a.csv.tmp"} {
		if IsCSVPath(p) {
			t.Errorf("IsCSVPath(%q) = true", p)
		}
	}
}

func TestOpenSourceCompressed(t *testing.T) {
	content := "\xEF\xBB\xBFYear,speed\n2012,3.5\n"
	want := "Year,speed\n2012,3.5\n"
	dir := t.TempDir()

	compressors := map[string]func(io.Writer) (io.WriteCloser, error){
		"plain.csv": func(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil },
		"data.csv.gz": func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
		"data.csv.xz": func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
		"data.csv.zst": func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
	}

	for name, newWriter := range compressors {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := newWriter(&buf)
			if err != nil {
				t.Fatalf("writer: %v", err)
			}
			if _, err := io.WriteString(w, content); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close writer: %v", err)
			}
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
				t.Fatal(err)
			}

			src, err := openSource(path)
			if err != nil {
				t.Fatalf("openSource: %v", err)
			}
			got, err := io.ReadAll(src)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if err := src.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if string(got) != want {
				t.Errorf("got %q, want %q", got, want)
			}
			if src.progress.BytesRead() == 0 {
				t.Error("BytesRead should be > 0")
			}
		})
	}
}

func TestOpenSourceBadGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv.gz")
	if err := os.WriteFile(path, []byte("not gzip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := openSource(path); err == nil {
		t.Fatal("expected error for corrupt gzip")
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
