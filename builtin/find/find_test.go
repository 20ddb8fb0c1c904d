package find

import (
	"context"
	"testing"

	"github.com/sandboxsh/vsh/interp"
	"github.com/sandboxsh/vsh/vfs"
)

func newMem(t *testing.T, files map[string][]byte) *vfs.Mem {
	t.Helper()
	mem := vfs.NewMem()
	for p, data := range files {
		if err := mem.WriteFile(p, data); err != nil {
			t.Fatal(err)
		}
	}
	return mem
}

func run(args []string, fs vfs.FS) (string, string, int) {
	cctx := &interp.CommandContext{Ctx: context.Background(), FS: fs, Dir: "/", Args: args}
	return New()(cctx)
}

func TestFindNamePruningAcrossDirectories(t *testing.T) {
	mem := newMem(t, map[string][]byte{
		"/a/pulls/x.json": []byte("{}"),
		"/a/pulls/y.json": []byte("{}"),
		"/a/other.txt":    []byte("hi"),
	})
	out, errOut, code := run([]string{"/a", "-name", "*.json"}, mem)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	want := "/a/pulls/x.json\n/a/pulls/y.json\n"
	if out != want {
		t.Errorf("stdout = %q, want %q", out, want)
	}
}

func TestFindTypeFilter(t *testing.T) {
	mem := newMem(t, map[string][]byte{
		"/d/file.txt":       []byte("hi"),
		"/d/sub/nested.txt": []byte("hi"),
	})
	out, errOut, code := run([]string{"/d", "-type", "d"}, mem)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	if out != "/d\n/d/sub\n" {
		t.Errorf("stdout = %q", out)
	}
}

func TestFindPruneSkipsSubtree(t *testing.T) {
	mem := newMem(t, map[string][]byte{
		"/d/keep.txt":        []byte("hi"),
		"/d/skip/hidden.txt": []byte("hi"),
	})
	out, errOut, code := run([]string{"/d", "-name", "skip", "-prune", "-o", "-print"}, mem)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	// -prune matching "skip" short-circuits the -o branch for that node,
	// so neither "skip" nor anything below it is printed.
	if out != "/d\n/d/keep.txt\n" {
		t.Errorf("stdout = %q", out)
	}
}

func TestFindNoMatchReturnsEmptyWithZeroExit(t *testing.T) {
	mem := newMem(t, map[string][]byte{"/d/a.txt": []byte("hi")})
	out, errOut, code := run([]string{"/d", "-name", "*.none"}, mem)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	if out != "" {
		t.Errorf("stdout = %q, want empty", out)
	}
}

func TestFindMissingPathReportsError(t *testing.T) {
	mem := vfs.NewMem()
	_, errOut, code := run([]string{"/nope", "-print"}, mem)
	if code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if errOut == "" {
		t.Errorf("expected stderr message")
	}
}

func TestFindPrintfDirectives(t *testing.T) {
	mem := newMem(t, map[string][]byte{"/d/a.txt": []byte("hello")})
	out, errOut, code := run([]string{"/d/a.txt", "-printf", "%f %s\n"}, mem)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %q", code, errOut)
	}
	if out != "a.txt 5\n" {
		t.Errorf("stdout = %q", out)
	}
}
