package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// OSRoot is a host-filesystem-backed FS implementation rooted at a base
// directory, used by cmd/vsh (the CLI front-end, spec.md §1's "terminal-
// facing CLI" external collaborator) to let the shell operate on real
// files without giving scripts an unrooted path into the host. It
// implements the same vfs.FS contract the in-memory Mem type does, so
// interp.Runner never distinguishes the two.
type OSRoot struct {
	base string
}

// NewOSRoot returns an FS rooted at base; every path the interpreter
// resolves is joined under base before touching the host.
func NewOSRoot(base string) (*OSRoot, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	return &OSRoot{base: abs}, nil
}

func (o *OSRoot) real(p string) string {
	p = clean(p)
	return filepath.Join(o.base, filepath.FromSlash(p))
}

func (o *OSRoot) ReadFile(p string) (string, error) {
	b, err := o.ReadFileBuffer(p)
	return string(b), err
}

func (o *OSRoot) ReadFileBuffer(p string) ([]byte, error) {
	return os.ReadFile(o.real(p))
}

// WriteFile writes data atomically: a script killed mid-write (the
// executor's command-count limit firing, spec.md §5) must never leave
// a torn file behind, so this goes through a temp file plus rename
// instead of a direct os.WriteFile.
func (o *OSRoot) WriteFile(p string, data []byte) error {
	real := o.real(p)
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(real, data, 0o644)
}

func toFileInfo(fi fs.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
		IsLink:  fi.Mode()&os.ModeSymlink != 0,
	}
}

func (o *OSRoot) Stat(p string) (FileInfo, error) {
	fi, err := os.Stat(o.real(p))
	if err != nil {
		return FileInfo{}, err
	}
	return toFileInfo(fi), nil
}

func (o *OSRoot) Lstat(p string) (FileInfo, error) {
	fi, err := os.Lstat(o.real(p))
	if err != nil {
		return FileInfo{}, err
	}
	return toFileInfo(fi), nil
}

func (o *OSRoot) ReadDir(p string) ([]string, error) {
	entries, err := o.ReadDirWithFileTypes(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

func (o *OSRoot) ReadDirWithFileTypes(p string) ([]DirEntry, error) {
	des, err := os.ReadDir(o.real(p))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, len(des))
	for i, de := range des {
		out[i] = DirEntry{Name: de.Name(), IsDir: de.IsDir()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o *OSRoot) Mkdir(p string, recursive bool) error {
	if recursive {
		return os.MkdirAll(o.real(p), 0o755)
	}
	return os.Mkdir(o.real(p), 0o755)
}

func (o *OSRoot) Remove(p string, recursive bool) error {
	if recursive {
		return os.RemoveAll(o.real(p))
	}
	return os.Remove(o.real(p))
}

func (o *OSRoot) Chmod(p string, mode fs.FileMode) error {
	return os.Chmod(o.real(p), mode)
}

func (o *OSRoot) Symlink(target, link string) error {
	return os.Symlink(target, o.real(link))
}

func (o *OSRoot) Readlink(p string) (string, error) {
	return os.Readlink(o.real(p))
}

func (o *OSRoot) ResolvePath(base, rel string) string {
	if strings.HasPrefix(rel, "/") {
		return clean(rel)
	}
	return clean(filepath.ToSlash(filepath.Join(base, rel)))
}

func (o *OSRoot) Rename(oldPath, newPath string) error {
	return os.Rename(o.real(oldPath), o.real(newPath))
}
