// Package curl implements component C12 of spec.md §4.12: an option
// parser, request assembler, and response formatter for the `curl`
// built-in, transporting every request through the policy-gated
// netfetch.Fetcher capability rather than ever touching the network
// directly.
//
// Grounded on spec.md §4.12 directly; the grouped-short-flag /
// equals-joined-long-flag option parsing shape follows the teacher's
// own flag handling in cmd/gosh/gosh.go (stdlib flag, manual grouping
// for `-c` short options isn't present there, but the same
// "recognize, consume, fall through to positional" control shape is).
package curl

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxsh/vsh/interp"
	"github.com/sandboxsh/vsh/netfetch"
	"github.com/sandboxsh/vsh/vfs"
)

// New returns the ExecHandlerFunc wiring curl into a Runner via
// RegisterCommand("curl", curl.New()); it is only ever registered when
// a Fetcher is configured (spec.md §4.8 "a command registered under a
// policy-gated capability ... is only visible when the capability is
// enabled").
func New() interp.ExecHandlerFunc {
	return func(cctx *interp.CommandContext) (string, string, int) { return run(cctx) }
}

type formPart struct {
	name     string
	value    string
	isFile   bool
	filePath string
	mimeType string
}

type request struct {
	method      string
	url         string
	headers     http.Header
	dataParts   []string
	urlEncode   []string
	forms       []formPart
	user        string
	userAgent   string
	referer     string
	output      string
	remoteName  bool
	include     bool
	verbose     bool
	silent      bool
	showError   bool
	location    bool
	fail        bool
	maxTime     time.Duration
	connectTime time.Duration
	writeOut    string
	cookie      string
	cookieJar   string
	uploadFile  string
	headOnly    bool
}

func parse(args []string) (*request, error) {
	r := &request{headers: http.Header{}}
	i := 0
	next := func() (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("missing argument")
		}
		return args[i], nil
	}
	for i < len(args) {
		a := args[i]
		switch {
		case a == "-X" || a == "--request":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.method = v
		case a == "-H" || a == "--header":
			v, err := next()
			if err != nil {
				return nil, err
			}
			name, val, _ := strings.Cut(v, ":")
			r.headers.Add(strings.TrimSpace(name), strings.TrimSpace(val))
		case a == "-d" || a == "--data" || a == "--data-raw" || a == "--data-binary":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.dataParts = append(r.dataParts, v)
		case a == "--data-urlencode":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.urlEncode = append(r.urlEncode, v)
		case strings.HasPrefix(a, "--data-urlencode="):
			r.urlEncode = append(r.urlEncode, strings.TrimPrefix(a, "--data-urlencode="))
		case a == "-F" || a == "--form":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.forms = append(r.forms, parseForm(v))
		case a == "-u" || a == "--user":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.user = v
		case strings.HasPrefix(a, "-u") && len(a) > 2:
			r.user = a[2:]
		case a == "-A" || a == "--user-agent":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.userAgent = v
		case a == "-e" || a == "--referer":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.referer = v
		case a == "-o" || a == "--output":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.output = v
		case a == "-O" || a == "--remote-name":
			r.remoteName = true
		case a == "-i" || a == "--include":
			r.include = true
		case a == "-v" || a == "--verbose":
			r.verbose = true
		case a == "-I" || a == "--head":
			r.headOnly = true
		case a == "-s" || a == "--silent":
			r.silent = true
		case a == "-S" || a == "--show-error":
			r.showError = true
		case a == "-L" || a == "--location":
			r.location = true
		case a == "-f" || a == "--fail":
			r.fail = true
		case a == "-k" || a == "--insecure":
			// accepted, no-op per spec.md §4.12
		case a == "-m" || a == "--max-time":
			v, err := next()
			if err != nil {
				return nil, err
			}
			secs, _ := strconv.ParseFloat(v, 64)
			r.maxTime = time.Duration(secs * float64(time.Second))
		case a == "--connect-timeout":
			v, err := next()
			if err != nil {
				return nil, err
			}
			secs, _ := strconv.ParseFloat(v, 64)
			r.connectTime = time.Duration(secs * float64(time.Second))
		case a == "-w" || a == "--write-out":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.writeOut = v
		case a == "--url":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.url = v
		case a == "-b" || a == "--cookie":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.cookie = v
		case a == "-c" || a == "--cookie-jar":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.cookieJar = v
		case a == "-T" || a == "--upload-file":
			v, err := next()
			if err != nil {
				return nil, err
			}
			r.uploadFile = v
		case strings.HasPrefix(a, "--") && strings.Contains(a, "="):
			name, val, _ := strings.Cut(a[2:], "=")
			if err := applyLongEquals(r, name, val); err != nil {
				return nil, err
			}
		case strings.HasPrefix(a, "-") && len(a) > 1 && a != "-":
			// grouped short flags, e.g. -sSfL
			for _, f := range a[1:] {
				switch f {
				case 's':
					r.silent = true
				case 'S':
					r.showError = true
				case 'f':
					r.fail = true
				case 'L':
					r.location = true
				case 'v':
					r.verbose = true
				case 'i':
					r.include = true
				case 'I':
					r.headOnly = true
				case 'k':
				case 'O':
					r.remoteName = true
				default:
					return nil, fmt.Errorf("unknown option -%c", f)
				}
			}
		default:
			if r.url == "" {
				r.url = a
			}
		}
		i++
	}
	return r, nil
}

func applyLongEquals(r *request, name, val string) error {
	switch name {
	case "data-urlencode":
		r.urlEncode = append(r.urlEncode, val)
	case "output":
		r.output = val
	case "write-out":
		r.writeOut = val
	case "user-agent":
		r.userAgent = val
	case "referer":
		r.referer = val
	case "max-time":
		secs, _ := strconv.ParseFloat(val, 64)
		r.maxTime = time.Duration(secs * float64(time.Second))
	case "url":
		r.url = val
	default:
		return fmt.Errorf("unknown option --%s", name)
	}
	return nil
}

func parseForm(s string) formPart {
	name, rest, _ := strings.Cut(s, "=")
	fp := formPart{name: name}
	if strings.HasPrefix(rest, "@") {
		fp.isFile = true
		path := rest[1:]
		if p, mt, ok := strings.Cut(path, ";type="); ok {
			fp.filePath, fp.mimeType = p, mt
		} else {
			fp.filePath = path
		}
	} else {
		fp.value = rest
	}
	return fp
}

func run(cctx *interp.CommandContext) (string, string, int) {
	req, err := parse(cctx.Args)
	if err != nil {
		return "", "curl: " + err.Error() + "\n", 2
	}
	if req.url == "" {
		return "", "curl: no URL specified\n", 2
	}
	if cctx.Fetch == nil {
		return "", "curl: networking is disabled\n", 7
	}

	fullURL := req.url
	if !strings.Contains(fullURL, "://") {
		fullURL = "https://" + fullURL
	}
	if _, err := url.Parse(fullURL); err != nil {
		return "", "curl: (3) URL malformed\n", 3
	}

	method := req.method
	if req.headOnly {
		method = "HEAD"
	}
	if method == "" {
		method = "GET"
	}

	body, contentType, err := buildBody(cctx.FS, cctx.Dir, req)
	if err != nil {
		return "", "curl: " + err.Error() + "\n", 1
	}
	if method == "GET" && len(body) > 0 {
		method = "POST"
	}
	if contentType != "" && req.headers.Get("Content-Type") == "" {
		req.headers.Set("Content-Type", contentType)
	}
	if req.userAgent != "" {
		req.headers.Set("User-Agent", req.userAgent)
	}
	if req.referer != "" {
		req.headers.Set("Referer", req.referer)
	}
	if req.user != "" {
		user, pass, _ := strings.Cut(req.user, ":")
		enc := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.headers.Set("Authorization", "Basic "+enc)
	}
	if req.cookie != "" {
		req.headers.Set("Cookie", req.cookie)
	}

	var verboseOut strings.Builder
	if req.verbose {
		fmt.Fprintf(&verboseOut, "> %s %s\n", method, fullURL)
		for k, vs := range req.headers {
			for _, v := range vs {
				fmt.Fprintf(&verboseOut, "> %s: %s\n", k, v)
			}
		}
		verboseOut.WriteByte('\n')
	}

	timeout := req.maxTime
	if timeout == 0 {
		timeout = req.connectTime
	}

	resp, ferr := cctx.Fetch.Fetch(cctx.Ctx, netfetch.Request{
		Method:  method,
		URL:     fullURL,
		Header:  req.headers,
		Body:    body,
		Timeout: timeout,
	})
	if ferr != nil {
		return curlFetchError(req, ferr)
	}

	var out strings.Builder
	out.WriteString(verboseOut.String())
	if req.verbose {
		fmt.Fprintf(&out, "< %s\n", resp.Status)
		for k, vs := range resp.Header {
			for _, v := range vs {
				fmt.Fprintf(&out, "< %s: %s\n", k, v)
			}
		}
		out.WriteByte('\n')
	} else if req.include {
		fmt.Fprintf(&out, "HTTP/1.1 %s\n", resp.Status)
		for k, vs := range resp.Header {
			for _, v := range vs {
				fmt.Fprintf(&out, "%s: %s\n", k, v)
			}
		}
		out.WriteByte('\n')
	}

	writeBody := !req.headOnly || req.include
	if writeBody {
		if err := deliverBody(cctx, req, resp.Body, &out); err != nil {
			return "", "curl: " + err.Error() + "\n", 1
		}
	}

	if req.writeOut != "" {
		out.WriteString(renderWriteOut(req.writeOut, resp, len(resp.Body), fullURL))
	}

	if req.fail && resp.StatusCode >= 400 {
		errMsg := ""
		if req.showError {
			errMsg = fmt.Sprintf("curl: (22) The requested URL returned error: %d\n", resp.StatusCode)
		}
		return out.String(), errMsg, 22
	}
	return out.String(), "", 0
}

func curlFetchError(req *request, err error) (string, string, int) {
	msg := err.Error()
	code := 7
	switch {
	case errors.Is(err, netfetch.ErrRedirectDenied):
		code = 47
	case errors.Is(err, netfetch.ErrPolicyDenied):
		code = 7
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		code = 28
	}
	if !req.silent || req.showError {
		return "", fmt.Sprintf("curl: (%d) %s\n", code, msg), code
	}
	return "", "", code
}

func deliverBody(cctx *interp.CommandContext, req *request, body []byte, out *strings.Builder) error {
	if req.output != "" {
		return cctx.FS.WriteFile(cctx.FS.ResolvePath(cctx.Dir, req.output), body)
	}
	if req.remoteName {
		u, err := url.Parse(req.url)
		if err != nil {
			return err
		}
		name := pathBase(u.Path)
		if name == "" || name == "/" {
			name = "index.html"
		}
		return cctx.FS.WriteFile(cctx.FS.ResolvePath(cctx.Dir, name), body)
	}
	out.Write(body)
	return nil
}

func pathBase(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return p
	}
	return p[i+1:]
}

// buildBody assembles the request payload per spec.md §4.12: plain
// -d/--data parts joined with '&', --data-urlencode parts form-encoded
// on the value only (not the KEY= prefix), or a multipart/form-data
// body with a random boundary for -F.
func buildBody(fsys vfs.FS, dir string, req *request) ([]byte, string, error) {
	if req.uploadFile != "" {
		data, err := fsys.ReadFileBuffer(fsys.ResolvePath(dir, req.uploadFile))
		return data, "", err
	}
	if len(req.forms) > 0 {
		return buildMultipart(fsys, dir, req.forms)
	}
	var parts []string
	parts = append(parts, req.dataParts...)
	for _, item := range req.urlEncode {
		name, val, has := strings.Cut(item, "=")
		if has {
			parts = append(parts, name+"="+url.QueryEscape(val))
		} else {
			parts = append(parts, url.QueryEscape(item))
		}
	}
	if len(parts) == 0 {
		return nil, "", nil
	}
	return []byte(strings.Join(parts, "&")), "application/x-www-form-urlencoded", nil
}

func buildMultipart(fsys vfs.FS, dir string, forms []formPart) ([]byte, string, error) {
	boundary, err := randomBoundary()
	if err != nil {
		return nil, "", err
	}
	var buf strings.Builder
	for _, f := range forms {
		buf.WriteString("--" + boundary + "\r\n")
		if f.isFile {
			abs := fsys.ResolvePath(dir, f.filePath)
			data, err := fsys.ReadFileBuffer(abs)
			if err != nil {
				return nil, "", err
			}
			mt := f.mimeType
			if mt == "" {
				mt = mime.TypeByExtension(pathExt(f.filePath))
			}
			if mt == "" {
				mt = "application/octet-stream"
			}
			fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q; filename=%q\r\n", f.name, pathBase(f.filePath))
			fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", mt)
			buf.Write(data)
			buf.WriteString("\r\n")
		} else {
			fmt.Fprintf(&buf, "Content-Disposition: form-data; name=%q\r\n\r\n", f.name)
			buf.WriteString(f.value)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("--" + boundary + "--\r\n")
	return []byte(buf.String()), "multipart/form-data; boundary=" + boundary, nil
}

func pathExt(p string) string {
	i := strings.LastIndexByte(p, '.')
	if i < 0 {
		return ""
	}
	return p[i:]
}

func randomBoundary() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("vsh-boundary-%x", b), nil
}

// renderWriteOut implements -w's `%{...}` template language (spec.md
// §4.12), passing through unknown `%{name}` verbatim and interpreting
// `\n`/`\t` escapes.
func renderWriteOut(format string, resp *netfetch.Response, size int, effectiveURL string) string {
	var b strings.Builder
	i := 0
	for i < len(format) {
		c := format[i]
		if c == '\\' && i+1 < len(format) {
			switch format[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(format[i+1])
			}
			i += 2
			continue
		}
		if c == '%' && i+1 < len(format) && format[i+1] == '{' {
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				b.WriteByte(c)
				i++
				continue
			}
			name := format[i+2 : i+end]
			b.WriteString(writeOutVar(name, resp, size, effectiveURL))
			i += end + 1
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func writeOutVar(name string, resp *netfetch.Response, size int, effectiveURL string) string {
	switch name {
	case "http_code":
		return strconv.Itoa(resp.StatusCode)
	case "content_type":
		return resp.Header.Get("Content-Type")
	case "url_effective":
		if resp.EffectiveURL != "" {
			return resp.EffectiveURL
		}
		return effectiveURL
	case "size_download":
		return strconv.Itoa(size)
	}
	return "%{" + name + "}"
}
