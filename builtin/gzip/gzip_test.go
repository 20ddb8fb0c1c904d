package gzip

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sandboxsh/vsh/interp"
	"github.com/sandboxsh/vsh/vfs"
)

func TestCompressDecompressBytesRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog\n")
	gz, err := compressBytes(plain, 6, false, "fox.txt")
	if err != nil {
		t.Fatal(err)
	}
	got, name, err := decompressBytes(gz)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(plain, got); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
	if name != "fox.txt" {
		t.Errorf("name = %q, want %q", name, "fox.txt")
	}
}

func TestCompressBytesNoNameOmitsName(t *testing.T) {
	gz, err := compressBytes([]byte("x"), 6, true, "secret.txt")
	if err != nil {
		t.Fatal(err)
	}
	_, name, err := decompressBytes(gz)
	if err != nil {
		t.Fatal(err)
	}
	if name != "" {
		t.Errorf("name = %q, want empty when noName is set", name)
	}
}

func TestListLineFormat(t *testing.T) {
	plain := []byte(strings.Repeat("a", 1000))
	gz, err := compressBytes(plain, 9, false, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	line, err := listLine(gz, "a.txt.gz")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(line, "a.txt.gz\n") {
		t.Errorf("listLine = %q, want it to end with the file name", line)
	}
	if !strings.Contains(line, "1000") {
		t.Errorf("listLine = %q, want it to report the uncompressed size 1000", line)
	}
}

func TestExecHandlerInPlaceRoundTrip(t *testing.T) {
	mem := vfs.NewMem()
	if err := mem.WriteFile("/data.txt", []byte("hello, vsh\n")); err != nil {
		t.Fatal(err)
	}

	gz := NewGzip()
	so, se, code := gz(&interp.CommandContext{FS: mem, Dir: "/", Args: []string{"-k", "/data.txt"}})
	if code != 0 {
		t.Fatalf("gzip failed: code=%d stderr=%q stdout=%q", code, se, so)
	}
	if _, err := mem.ReadFileBuffer("/data.txt"); err != nil {
		t.Fatalf("original file should survive -k: %v", err)
	}
	compressed, err := mem.ReadFileBuffer("/data.txt.gz")
	if err != nil {
		t.Fatalf("expected /data.txt.gz to exist: %v", err)
	}

	gunzip := NewGunzip()
	so, se, code = gunzip(&interp.CommandContext{FS: mem, Dir: "/", Args: []string{"-c", "/data.txt.gz"}})
	if code != 0 {
		t.Fatalf("gunzip failed: code=%d stderr=%q", code, se)
	}
	if so != "hello, vsh\n" {
		t.Errorf("gunzip -c stdout = %q, want %q", so, "hello, vsh\n")
	}
	if len(compressed) == 0 {
		t.Error("compressed archive unexpectedly empty")
	}
}

func TestExecHandlerRemovesSourceWithoutKeep(t *testing.T) {
	mem := vfs.NewMem()
	if err := mem.WriteFile("/only.txt", []byte("payload")); err != nil {
		t.Fatal(err)
	}

	gz := NewGzip()
	_, se, code := gz(&interp.CommandContext{FS: mem, Dir: "/", Args: []string{"/only.txt"}})
	if code != 0 {
		t.Fatalf("gzip failed: stderr=%q", se)
	}
	if _, err := mem.ReadFileBuffer("/only.txt"); err == nil {
		t.Error("original file should be removed without -k")
	}
}

func TestZcatAlwaysWritesToStdout(t *testing.T) {
	mem := vfs.NewMem()
	gz, err := compressBytes([]byte("streamed\n"), 6, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteFile("/s.gz", gz); err != nil {
		t.Fatal(err)
	}

	zcat := NewZcat()
	so, se, code := zcat(&interp.CommandContext{FS: mem, Dir: "/", Args: []string{"/s.gz"}})
	if code != 0 {
		t.Fatalf("zcat failed: stderr=%q", se)
	}
	if so != "streamed\n" {
		t.Errorf("zcat stdout = %q, want %q", so, "streamed\n")
	}
	if _, err := mem.ReadFileBuffer("/s.gz"); err != nil {
		t.Error("zcat must never remove its source archive")
	}
}
