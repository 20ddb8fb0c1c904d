package curl

import (
	"context"
	"strings"
	"testing"

	"github.com/sandboxsh/vsh/interp"
	"github.com/sandboxsh/vsh/netfetch"
	"github.com/sandboxsh/vsh/vfs"
)

func TestParseGroupedShortFlags(t *testing.T) {
	r, err := parse([]string{"-sSfL", "https://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.silent || !r.showError || !r.fail || !r.location {
		t.Errorf("grouped flags not all applied: %+v", r)
	}
	if r.url != "https://example.com" {
		t.Errorf("url = %q", r.url)
	}
}

func TestParseLongEqualsForm(t *testing.T) {
	r, err := parse([]string{"--output=/tmp/out.json", "--write-out=%{http_code}", "https://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if r.output != "/tmp/out.json" {
		t.Errorf("output = %q", r.output)
	}
	if r.writeOut != "%{http_code}" {
		t.Errorf("writeOut = %q", r.writeOut)
	}
}

func TestParseHeaderAndData(t *testing.T) {
	r, err := parse([]string{"-H", "X-Api-Key: abc123", "-d", "a=1", "-d", "b=2", "https://example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.headers.Get("X-Api-Key"); got != "abc123" {
		t.Errorf("header = %q, want %q", got, "abc123")
	}
	if len(r.dataParts) != 2 {
		t.Fatalf("dataParts = %v, want 2 entries", r.dataParts)
	}
}

func TestParseUnknownGroupedFlagErrors(t *testing.T) {
	if _, err := parse([]string{"-sZ", "https://example.com"}); err == nil {
		t.Error("expected an error for an unknown grouped flag -Z")
	}
}

func TestBuildBodyJoinsDataPartsWithAmpersand(t *testing.T) {
	mem := vfs.NewMem()
	req := &request{dataParts: []string{"a=1", "b=2"}}
	body, ct, err := buildBody(mem, "/", req)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "a=1&b=2" {
		t.Errorf("body = %q, want %q", body, "a=1&b=2")
	}
	if ct != "application/x-www-form-urlencoded" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestBuildBodyURLEncodesValueOnly(t *testing.T) {
	mem := vfs.NewMem()
	req := &request{urlEncode: []string{"msg=hello world"}}
	body, _, err := buildBody(mem, "/", req)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "msg=hello+world" {
		t.Errorf("body = %q, want %q", body, "msg=hello+world")
	}
}

func TestBuildMultipartIncludesFileAndFieldParts(t *testing.T) {
	mem := vfs.NewMem()
	if err := mem.WriteFile("/upload.txt", []byte("file contents")); err != nil {
		t.Fatal(err)
	}
	req := &request{forms: []formPart{
		{name: "note", value: "hi"},
		{name: "file", isFile: true, filePath: "upload.txt"},
	}}
	body, ct, err := buildBody(mem, "/", req)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ct, "multipart/form-data; boundary=") {
		t.Errorf("content-type = %q", ct)
	}
	s := string(body)
	if !strings.Contains(s, `name="note"`) || !strings.Contains(s, "hi") {
		t.Errorf("multipart body missing field part: %q", s)
	}
	if !strings.Contains(s, `name="file"`) || !strings.Contains(s, "file contents") {
		t.Errorf("multipart body missing file part: %q", s)
	}
}

func TestRenderWriteOutKnownAndUnknownVars(t *testing.T) {
	resp := &netfetch.Response{StatusCode: 200, EffectiveURL: "https://example.com/x"}
	got := renderWriteOut(`%{http_code} %{url_effective} %{nonsense}\n`, resp, 42, "https://fallback")
	want := "200 https://example.com/x %{nonsense}\n"
	if got != want {
		t.Errorf("renderWriteOut = %q, want %q", got, want)
	}
}

// fakeFetcher never makes a real network call.
type fakeFetcher struct {
	resp *netfetch.Response
	err  error
	last netfetch.Request
}

func (f *fakeFetcher) Fetch(ctx context.Context, req netfetch.Request) (*netfetch.Response, error) {
	f.last = req
	return f.resp, f.err
}

func TestRunGetDefaultsToHTTPSAndReportsStatus(t *testing.T) {
	mem := vfs.NewMem()
	fetcher := &fakeFetcher{resp: &netfetch.Response{
		StatusCode: 200,
		Status:     "200 OK",
		Header:     map[string][]string{"Content-Type": {"text/plain"}},
		Body:       []byte("ok"),
	}}
	handler := New()
	so, se, code := handler(&interp.CommandContext{
		Ctx:   context.Background(),
		FS:    mem,
		Dir:   "/",
		Fetch: fetcher,
		Args:  []string{"example.com/path"},
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr = %q", code, se)
	}
	if so != "ok" {
		t.Errorf("stdout = %q, want %q", so, "ok")
	}
	if fetcher.last.URL != "https://example.com/path" {
		t.Errorf("fetched URL = %q, want %q", fetcher.last.URL, "https://example.com/path")
	}
}

func TestRunWithoutFetcherReportsDisabled(t *testing.T) {
	handler := New()
	_, se, code := handler(&interp.CommandContext{
		Ctx:  context.Background(),
		FS:   vfs.NewMem(),
		Dir:  "/",
		Args: []string{"https://example.com"},
	})
	if code != 7 {
		t.Errorf("code = %d, want 7", code)
	}
	if !strings.Contains(se, "disabled") {
		t.Errorf("stderr = %q, want it to mention networking is disabled", se)
	}
}

func TestRunFailFlagMapsServerErrorToExit22(t *testing.T) {
	fetcher := &fakeFetcher{resp: &netfetch.Response{StatusCode: 500, Status: "500 Internal Server Error"}}
	handler := New()
	_, _, code := handler(&interp.CommandContext{
		Ctx:   context.Background(),
		FS:    vfs.NewMem(),
		Dir:   "/",
		Fetch: fetcher,
		Args:  []string{"-f", "https://example.com"},
	})
	if code != 22 {
		t.Errorf("code = %d, want 22", code)
	}
}
