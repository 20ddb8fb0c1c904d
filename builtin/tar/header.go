// Package tar implements component C10 of spec.md §4.10: a USTAR
// encoder/decoder sandwiched with pluggable compression filters, wired
// into the shell as the `tar` built-in.
//
// No teacher tar code exists in the retrieved pack (mvdan.cc/sh/v3 has
// no archive built-ins), so the USTAR header encode/decode below is
// original, following the wire-format description in spec.md §4.10
// directly and the teacher's general "encode/decode pair as mirror
// functions" convention (syntax/printer.go vs syntax/parser.go).
package tar

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const blockSize = 512

// typeflag values this implementation understands. 'L' is the GNU
// long-name extension spec.md §4.10 calls for when a path doesn't fit
// the 100+155 byte name/prefix split.
const (
	typeReg     = '0'
	typeRegA    = '\x00'
	typeLink    = '1'
	typeSymlink = '2'
	typeDir     = '5'
	typeLongName = 'L'
)

// header is the in-memory form of one USTAR entry (spec.md §4.10's
// field list).
type header struct {
	Name     string
	Mode     int64
	UID, GID int64
	Size     int64
	ModTime  time.Time
	Typeflag byte
	Linkname string
	Uname    string
	Gname    string
	DevMajor int64
	DevMinor int64
}

var errChecksum = errors.New("tar: checksum mismatch")
var errFormat = errors.New("tar: malformed header")

func octal(b []byte, v int64, width int) {
	s := strconv.FormatInt(v, 8)
	for len(s) < width-1 {
		s = "0" + s
	}
	copy(b, []byte(s))
	b[width-1] = 0
}

func parseOctal(b []byte) int64 {
	s := bytes.TrimRight(bytes.TrimLeft(b, " \x00"), " \x00")
	if len(s) == 0 {
		return 0
	}
	n, _ := strconv.ParseInt(string(s), 8, 64)
	return n
}

func cstr(b []byte, s string) {
	n := copy(b, s)
	_ = n
}

func readCstr(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b)
	}
	return string(b[:i])
}

// splitName divides a path between the 100-byte name field and the
// 155-byte prefix field the way USTAR requires, or reports it cannot
// fit so the caller emits a typeLongName extension header instead.
func splitName(name string) (prefix, short string, ok bool) {
	if len(name) <= 100 {
		return "", name, true
	}
	if len(name) > 255 {
		return "", "", false
	}
	for i := len(name) - 1; i >= 0 && i > len(name)-100-1; i-- {
		if name[i] == '/' {
			p, s := name[:i], name[i+1:]
			if len(p) <= 155 && len(s) <= 100 {
				return p, s, true
			}
		}
	}
	return "", "", false
}

// encodeHeader renders h as one 512-byte USTAR block.
func encodeHeader(h *header) []byte {
	b := make([]byte, blockSize)
	prefix, short, ok := splitName(h.Name)
	if !ok {
		short = h.Name
		if len(short) > 100 {
			short = short[:100]
		}
	}
	cstr(b[0:100], short)
	octal(b[100:108], h.Mode, 8)
	octal(b[108:116], h.UID, 8)
	octal(b[116:124], h.GID, 8)
	octal(b[124:136], h.Size, 12)
	octal(b[136:148], h.ModTime.Unix(), 12)
	for i := 148; i < 156; i++ {
		b[i] = ' '
	}
	b[156] = h.Typeflag
	cstr(b[157:257], h.Linkname)
	copy(b[257:263], "ustar\x00")
	copy(b[263:265], "00")
	cstr(b[265:297], h.Uname)
	cstr(b[297:329], h.Gname)
	octal(b[329:337], h.DevMajor, 8)
	octal(b[337:345], h.DevMinor, 8)
	cstr(b[345:500], prefix)

	sum := checksum(b)
	octal(b[148:155], sum, 7)
	b[155] = ' '
	return b
}

func checksum(b []byte) int64 {
	var sum int64
	for i, c := range b {
		if i >= 148 && i < 156 {
			sum += int64(' ')
			continue
		}
		sum += int64(c)
	}
	return sum
}

// decodeHeader parses one 512-byte block; a fully-zero block reports
// ok=false so the caller recognises the archive terminator.
func decodeHeader(b []byte) (h *header, ok bool, err error) {
	if len(b) != blockSize {
		return nil, false, errFormat
	}
	if isZero(b) {
		return nil, false, nil
	}
	gotSum := parseOctal(b[148:156])
	wantSum := checksum(b)
	if gotSum != wantSum {
		return nil, false, errChecksum
	}
	magic := string(b[257:263])
	h = &header{
		Name:     readCstr(b[0:100]),
		Mode:     parseOctal(b[100:108]),
		UID:      parseOctal(b[108:116]),
		GID:      parseOctal(b[116:124]),
		Size:     parseOctal(b[124:136]),
		ModTime:  time.Unix(parseOctal(b[136:148]), 0).UTC(),
		Typeflag: b[156],
		Linkname: readCstr(b[157:257]),
		DevMajor: parseOctal(b[329:337]),
		DevMinor: parseOctal(b[337:345]),
	}
	if magic == "ustar\x00" || magic == "ustar " {
		h.Uname = readCstr(b[265:297])
		h.Gname = readCstr(b[297:329])
		if prefix := readCstr(b[345:500]); prefix != "" {
			h.Name = prefix + "/" + h.Name
		}
	}
	return h, true, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func pad(n int64) int64 {
	r := n % blockSize
	if r == 0 {
		return 0
	}
	return blockSize - r
}

func writeLongName(buf *bytes.Buffer, name string) {
	h := &header{Name: "././@LongLink", Typeflag: typeLongName, Size: int64(len(name) + 1), ModTime: time.Unix(0, 0)}
	buf.Write(encodeHeader(h))
	buf.WriteString(name)
	buf.WriteByte(0)
	padding := pad(int64(len(name) + 1))
	buf.Write(make([]byte, padding))
}

func fmtErr(format string, args ...any) error { return fmt.Errorf(format, args...) }
