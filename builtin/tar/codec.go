package tar

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// filter names the compression sandwich spec.md §4.10 requires tar to
// detect on read (by magic) and select on write (by flag or -a
// extension sniffing).
type filter int

const (
	filterNone filter = iota
	filterGzip
	filterBzip2
	filterXz
	filterZstd
)

var magics = []struct {
	magic []byte
	f     filter
}{
	{[]byte{0x1f, 0x8b}, filterGzip},
	{[]byte("BZh"), filterBzip2},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, filterXz},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, filterZstd},
}

func detectFilter(b []byte) filter {
	for _, m := range magics {
		if bytes.HasPrefix(b, m.magic) {
			return m.f
		}
	}
	return filterNone
}

func filterFromExt(name string) filter {
	switch {
	case hasAnySuffix(name, ".tgz", ".gz"):
		return filterGzip
	case hasAnySuffix(name, ".tbz2", ".tbz", ".bz2"):
		return filterBzip2
	case hasAnySuffix(name, ".txz", ".xz"):
		return filterXz
	case hasAnySuffix(name, ".tzst", ".zst"):
		return filterZstd
	}
	return filterNone
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if len(s) >= len(suf) && s[len(s)-len(suf):] == suf {
			return true
		}
	}
	return false
}

// decompress returns the decoded byte stream for raw archive bytes,
// auto-detecting the filter from its magic prefix (spec.md §4.10
// "Detect by magic on parse").
func decompress(raw []byte) ([]byte, filter, error) {
	f := detectFilter(raw)
	switch f {
	case filterNone:
		return raw, f, nil
	case filterGzip:
		zr, err := kgzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, f, fmt.Errorf("tar: gzip: %w", err)
		}
		defer zr.Close()
		b, err := io.ReadAll(zr)
		return b, f, err
	case filterBzip2:
		b, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(raw)))
		return b, f, err
	case filterXz:
		xr, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, f, fmt.Errorf("tar: xz: %w", err)
		}
		b, err := io.ReadAll(xr)
		return b, f, err
	case filterZstd:
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, f, fmt.Errorf("tar: zstd: %w", err)
		}
		defer zr.Close()
		b, err := io.ReadAll(zr)
		return b, f, err
	}
	return raw, f, nil
}

// compress wraps plain USTAR bytes in f's container format, used when
// creating an archive under -z/-j/-J/--zstd or an -a extension match.
func compress(plain []byte, f filter) ([]byte, error) {
	var buf bytes.Buffer
	switch f {
	case filterNone:
		return plain, nil
	case filterGzip:
		zw := kgzip.NewWriter(&buf)
		if _, err := zw.Write(plain); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	case filterBzip2:
		return nil, fmt.Errorf("tar: bzip2 archive creation is not supported (no pure-Go bzip2 encoder in this build)")
	case filterXz:
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := xw.Write(plain); err != nil {
			return nil, err
		}
		if err := xw.Close(); err != nil {
			return nil, err
		}
	case filterZstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(plain); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
