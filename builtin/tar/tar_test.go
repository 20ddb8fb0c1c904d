package tar

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sandboxsh/vsh/interp"
	"github.com/sandboxsh/vsh/vfs"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &header{
		Name:     "dir/file.txt",
		Mode:     0o644,
		Size:     5,
		ModTime:  time.Unix(1700000000, 0).UTC(),
		Typeflag: typeReg,
		Uname:    "root",
		Gname:    "root",
	}
	block := encodeHeader(h)
	got, ok, err := decodeHeader(block)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("decodeHeader reported a zero block")
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLongNameSplitsIntoPrefixWhenItFits(t *testing.T) {
	long := ""
	for len(long) < 120 {
		long += "x"
	}
	name := "a/" + long + "/tail.txt"
	_, short, ok := splitName(name)
	if !ok {
		t.Fatalf("expected splitName to succeed for a %d-byte path", len(name))
	}
	if len(short) > 100 {
		t.Errorf("short name segment too long: %d bytes", len(short))
	}
}

func TestArchiveRoundTripViaExecHandler(t *testing.T) {
	mem := vfs.NewMem()
	if err := mem.WriteFile("/src/a.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteFile("/src/sub/b.bin", []byte{0, 1, 2, 0xff}); err != nil {
		t.Fatal(err)
	}

	handler := New()
	cctx := &interp.CommandContext{
		FS:   mem,
		Dir:  "/",
		Args: []string{"-cf", "/out.tar", "-C", "/src", "."},
	}
	so, se, code := handler(cctx)
	if code != 0 {
		t.Fatalf("create failed: code=%d stderr=%q stdout=%q", code, se, so)
	}

	cctx2 := &interp.CommandContext{
		FS:   mem,
		Dir:  "/",
		Args: []string{"-xf", "/out.tar", "-C", "/dest"},
	}
	so, se, code = handler(cctx2)
	if code != 0 {
		t.Fatalf("extract failed: code=%d stderr=%q stdout=%q", code, se, so)
	}

	got, err := mem.ReadFileBuffer("/dest/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("a.txt = %q, want %q", got, "hello")
	}
	gotBin, err := mem.ReadFileBuffer("/dest/sub/b.bin")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 1, 2, 0xff}
	if diff := cmp.Diff(want, gotBin); diff != "" {
		t.Errorf("b.bin round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGzipFilterDetectedByMagic(t *testing.T) {
	plain := []byte("payload")
	gz, err := compress(plain, filterGzip)
	if err != nil {
		t.Fatal(err)
	}
	got, f, err := decompress(gz)
	if err != nil {
		t.Fatal(err)
	}
	if f != filterGzip {
		t.Errorf("detected filter = %v, want gzip", f)
	}
	if string(got) != string(plain) {
		t.Errorf("decompress = %q, want %q", got, plain)
	}
}
