package tar

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sandboxsh/vsh/interp"
	"github.com/sandboxsh/vsh/vfs"
)

// batchSize bounds concurrent FS operations during directory collection,
// per spec.md §4.10 "parallelised in batches of 100".
const batchSize = 100

// New returns the ExecHandlerFunc wiring tar into a Runner via
// RegisterCommand("tar", tar.New()).
func New() interp.ExecHandlerFunc {
	return func(cctx *interp.CommandContext) (string, string, int) {
		return run(cctx)
	}
}

// entry pairs a decoded header with its (possibly empty) file content.
type entry struct {
	h    *header
	data []byte
}

type options struct {
	mode       byte // c, x, t, r, u
	archive    string
	chdir      string
	verbose    bool
	toStdout   bool
	keep       bool
	preserve   bool
	filesFrom  string
	excludeFrom string
	strip      int
	excludes   []string
	wildcards  bool
	explicitFilter filter
	filterSet  bool
	paths      []string
}

func parseOptions(args []string) (*options, error) {
	o := &options{archive: "-"}
	i := 0
	for i < len(args) {
		a := args[i]
		switch {
		case a == "-f" || a == "--file":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("option requires an argument -- 'f'")
			}
			o.archive = args[i]
		case strings.HasPrefix(a, "--file="):
			o.archive = strings.TrimPrefix(a, "--file=")
		case a == "-C":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("option requires an argument -- 'C'")
			}
			o.chdir = args[i]
		case a == "-T":
			i++
			o.filesFrom = args[i]
		case a == "-X":
			i++
			o.excludeFrom = args[i]
		case strings.HasPrefix(a, "--exclude="):
			o.excludes = append(o.excludes, strings.TrimPrefix(a, "--exclude="))
		case strings.HasPrefix(a, "--strip="):
			n, _ := strconv.Atoi(strings.TrimPrefix(a, "--strip="))
			o.strip = n
		case strings.HasPrefix(a, "--strip-components="):
			n, _ := strconv.Atoi(strings.TrimPrefix(a, "--strip-components="))
			o.strip = n
		case a == "--wildcards":
			o.wildcards = true
		case a == "--zstd":
			o.explicitFilter, o.filterSet = filterZstd, true
		case a == "-a" || a == "--auto-compress":
			// resolved later from archive name
		case strings.HasPrefix(a, "-") && a != "-":
			for _, f := range a[1:] {
				switch f {
				case 'c':
					o.mode = 'c'
				case 'x':
					o.mode = 'x'
				case 't':
					o.mode = 't'
				case 'r':
					o.mode = 'r'
				case 'u':
					o.mode = 'u'
				case 'v':
					o.verbose = true
				case 'O':
					o.toStdout = true
				case 'k':
					o.keep = true
				case 'm':
					o.preserve = false
				case 'p':
					o.preserve = true
				case 'z':
					o.explicitFilter, o.filterSet = filterGzip, true
				case 'j':
					o.explicitFilter, o.filterSet = filterBzip2, true
				case 'J':
					o.explicitFilter, o.filterSet = filterXz, true
				case 'f':
					i++
					if i >= len(args) {
						return nil, fmt.Errorf("option requires an argument -- 'f'")
					}
					o.archive = args[i]
				case 'C':
					i++
					if i >= len(args) {
						return nil, fmt.Errorf("option requires an argument -- 'C'")
					}
					o.chdir = args[i]
				}
			}
		default:
			o.paths = append(o.paths, a)
		}
		i++
	}
	return o, nil
}

func run(cctx *interp.CommandContext) (string, string, int) {
	o, err := parseOptions(cctx.Args)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	if o.mode == 0 {
		return "", "tar: you must specify one of -c, -x, -t, -r, -u\n", 2
	}
	dir := cctx.Dir
	if o.chdir != "" {
		dir = cctx.FS.ResolvePath(cctx.Dir, o.chdir)
	}

	switch o.mode {
	case 'c':
		return doCreate(cctx, o, dir)
	case 'x':
		return doExtract(cctx, o, dir)
	case 't':
		return doList(cctx, o, dir)
	case 'r', 'u':
		return doAppendUpdate(cctx, o, dir)
	}
	return "", "tar: unsupported mode\n", 2
}

func readArchiveFrom(cctx *interp.CommandContext, archivePath string) ([]byte, error) {
	if archivePath == "-" {
		return []byte(cctx.Stdin), nil
	}
	abs := cctx.FS.ResolvePath(cctx.Dir, archivePath)
	return cctx.FS.ReadFileBuffer(abs)
}

func writeArchiveTo(cctx *interp.CommandContext, archivePath string, data []byte, out *strings.Builder) error {
	if archivePath == "-" {
		out.Write(data)
		return nil
	}
	abs := cctx.FS.ResolvePath(cctx.Dir, archivePath)
	return cctx.FS.WriteFile(abs, data)
}

// readArchive decodes raw bytes (after decompress) into entry records,
// splicing GNU long-name extension headers into the following entry's
// Name.
func readArchive(plain []byte) ([]entry, error) {
	var out []entry
	off := 0
	var pendingName string
	for off+blockSize <= len(plain) {
		block := plain[off : off+blockSize]
		off += blockSize
		h, ok, err := decodeHeader(block)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		size := h.Size
		padded := size + pad(size)
		if off+int(padded) > len(plain) {
			return nil, fmtErr("tar: truncated archive at entry %q", h.Name)
		}
		data := plain[off : off+int(size)]
		off += int(padded)

		if h.Typeflag == typeLongName {
			pendingName = strings.TrimRight(string(data), "\x00")
			continue
		}
		if pendingName != "" {
			h.Name = pendingName
			pendingName = ""
		}
		out = append(out, entry{h: h, data: append([]byte(nil), data...)})
	}
	return out, nil
}

func writeArchive(entries []entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		if _, _, ok := splitName(e.h.Name); !ok {
			writeLongName(&buf, e.h.Name)
		}
		buf.Write(encodeHeader(e.h))
		buf.Write(e.data)
		buf.Write(make([]byte, pad(int64(len(e.data)))))
	}
	buf.Write(make([]byte, blockSize*2))
	return buf.Bytes()
}

func matchExclude(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// collectEntries walks root (relative to dir) collecting file,
// directory, and symlink entries; directory fan-out at each level is
// batched through errgroup, per spec.md §4.10 "batches of 100".
func collectEntries(cctx *interp.CommandContext, dir, root string, excludes []string) ([]entry, error) {
	abs := cctx.FS.ResolvePath(dir, root)
	info, err := cctx.FS.Lstat(abs)
	if err != nil {
		return nil, err
	}
	var out []entry
	var walk func(p, archiveName string, info vfs.FileInfo) error
	walk = func(p, archiveName string, info vfs.FileInfo) error {
		if matchExclude(archiveName, excludes) {
			return nil
		}
		h := &header{
			Name:    archiveName,
			Mode:    int64(info.Mode.Perm()),
			ModTime: info.ModTime,
			Uname:   "root",
			Gname:   "root",
		}
		switch {
		case info.IsLink:
			h.Typeflag = typeSymlink
			target, err := cctx.FS.Readlink(p)
			if err != nil {
				return err
			}
			h.Linkname = target
			out = append(out, entry{h: h})
			return nil
		case info.IsDir:
			h.Typeflag = typeDir
			if !strings.HasSuffix(h.Name, "/") {
				h.Name += "/"
			}
			out = append(out, entry{h: h})
			children, err := cctx.FS.ReadDirWithFileTypes(p)
			if err != nil {
				return err
			}
			sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })

			g := &errgroup.Group{}
			g.SetLimit(batchSize)
			results := make([]vfs.FileInfo, len(children))
			for i, c := range children {
				i, c := i, c
				g.Go(func() error {
					cp := path.Join(p, c.Name)
					ci, serr := cctx.FS.Lstat(cp)
					if serr != nil {
						return serr
					}
					results[i] = ci
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for i, c := range children {
				cp := path.Join(p, c.Name)
				cArchive := path.Join(archiveName, c.Name)
				if err := walk(cp, cArchive, results[i]); err != nil {
					return err
				}
			}
			return nil
		default:
			h.Typeflag = typeReg
			h.Size = info.Size
			data, err := cctx.FS.ReadFileBuffer(p)
			if err != nil {
				return err
			}
			out = append(out, entry{h: h, data: data})
			return nil
		}
	}
	name := strings.TrimPrefix(root, "/")
	if err := walk(abs, name, info); err != nil {
		return nil, err
	}
	return out, nil
}

func doCreate(cctx *interp.CommandContext, o *options, dir string) (string, string, int) {
	var all []entry
	for _, p := range o.paths {
		es, err := collectEntries(cctx, dir, p, o.excludes)
		if err != nil {
			return "", "tar: " + p + ": " + err.Error() + "\n", 2
		}
		all = append(all, es...)
	}
	plain := writeArchive(all)

	f := filterFromExt(o.archive)
	if o.filterSet {
		f = o.explicitFilter
	}
	data, err := compress(plain, f)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	var out strings.Builder
	if err := writeArchiveTo(cctx, o.archive, data, &out); err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	var verboseOut strings.Builder
	if o.verbose {
		for _, e := range all {
			verboseOut.WriteString(e.h.Name)
			verboseOut.WriteByte('\n')
		}
	}
	return verboseOut.String() + out.String(), "", 0
}

func doList(cctx *interp.CommandContext, o *options, dir string) (string, string, int) {
	raw, err := readArchiveFrom(cctx, o.archive)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	plain, _, err := decompress(raw)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	entries, err := readArchive(plain)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	var out strings.Builder
	for _, e := range entries {
		if o.verbose {
			fmt.Fprintf(&out, "%s %8d %s %s\n", modeString(e.h), e.h.Size, e.h.ModTime.Format("2006-01-02 15:04"), e.h.Name)
		} else {
			out.WriteString(e.h.Name)
			out.WriteByte('\n')
		}
	}
	return out.String(), "", 0
}

func modeString(h *header) string {
	var b strings.Builder
	switch h.Typeflag {
	case typeDir:
		b.WriteByte('d')
	case typeSymlink:
		b.WriteByte('l')
	default:
		b.WriteByte('-')
	}
	mode := h.Mode
	bits := "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if mode&(1<<(8-i)) != 0 {
			b.WriteByte(bits[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func stripComponents(name string, n int) (string, bool) {
	if n <= 0 {
		return name, true
	}
	parts := strings.Split(strings.TrimSuffix(name, "/"), "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

func doExtract(cctx *interp.CommandContext, o *options, dir string) (string, string, int) {
	raw, err := readArchiveFrom(cctx, o.archive)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	plain, _, err := decompress(raw)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	entries, err := readArchive(plain)
	if err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}

	var out, errw strings.Builder
	errCount := 0
	for _, e := range entries {
		name, keep := stripComponents(e.h.Name, o.strip)
		if !keep || name == "" {
			continue
		}
		if len(o.paths) > 0 && !matchesAny(name, o.paths) {
			continue
		}
		target := cctx.FS.ResolvePath(dir, name)
		var werr error
		switch e.h.Typeflag {
		case typeDir:
			werr = cctx.FS.Mkdir(target, true)
		case typeSymlink:
			werr = cctx.FS.Symlink(e.h.Linkname, target)
		default:
			if o.toStdout {
				out.Write(e.data)
				continue
			}
			if derr := cctx.FS.Mkdir(path.Dir(target), true); derr != nil {
				werr = derr
				break
			}
			werr = cctx.FS.WriteFile(target, e.data)
			if werr == nil && o.preserve {
				werr = cctx.FS.Chmod(target, fs.FileMode(e.h.Mode)&fs.ModePerm)
			}
		}
		if werr != nil {
			errw.WriteString("tar: " + name + ": " + werr.Error() + "\n")
			errCount++
			continue
		}
		if o.verbose {
			out.WriteString(name)
			out.WriteByte('\n')
		}
	}
	if errCount > 0 {
		return out.String(), errw.String(), 2
	}
	return out.String(), errw.String(), 0
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if name == p || strings.HasPrefix(name, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func doAppendUpdate(cctx *interp.CommandContext, o *options, dir string) (string, string, int) {
	if filterFromExt(o.archive) != filterNone || o.filterSet {
		return "", "tar: cannot append to compressed archives\n", 2
	}
	var existing []entry
	raw, err := readArchiveFrom(cctx, o.archive)
	if err == nil && len(raw) > 0 {
		existing, err = readArchive(raw)
		if err != nil {
			return "", "tar: " + err.Error() + "\n", 2
		}
	}
	byName := map[string]int{}
	for i, e := range existing {
		byName[e.h.Name] = i
	}

	var added []entry
	for _, p := range o.paths {
		es, cerr := collectEntries(cctx, dir, p, o.excludes)
		if cerr != nil {
			return "", "tar: " + p + ": " + cerr.Error() + "\n", 2
		}
		added = append(added, es...)
	}

	for _, e := range added {
		if idx, ok := byName[e.h.Name]; ok {
			if o.mode == 'u' && !e.h.ModTime.After(existing[idx].h.ModTime) {
				continue
			}
			existing[idx] = e
			continue
		}
		byName[e.h.Name] = len(existing)
		existing = append(existing, e)
	}

	data := writeArchive(existing)
	var out strings.Builder
	if err := writeArchiveTo(cctx, o.archive, data, &out); err != nil {
		return "", "tar: " + err.Error() + "\n", 2
	}
	return out.String(), "", 0
}
