package vsh

import (
	"context"
	"testing"

	"github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/sandboxsh/vsh/netfetch"
)

// TestExecScenarios exercises spec.md §8's "Concrete end-to-end
// scenarios" verbatim, the way the teacher's interp_test.go table
// drives interp.Runner.Run over a list of (src, want) pairs.
func TestExecScenarios(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		wantStdout string
		wantExit   int
	}{
		{
			name:       "command substitution and arithmetic",
			src:        `X=5; echo $(($X + 3))`,
			wantStdout: "8\n",
		},
		{
			name:       "set -e with && chain",
			src:        `set -e; false || echo A && echo B; echo after`,
			wantStdout: "A\nB\nafter\n",
		},
		{
			name:       "parameter expansion operator mix",
			src:        `s=HelloWorld; echo "${s,,}|${s^^}|${s:5}|${s/World/There}|${#s}"`,
			wantStdout: "helloworld|HELLOWORLD|World|HelloThere|10\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sh, err := New()
			if err != nil {
				t.Fatal(err)
			}
			res := sh.Exec(context.Background(), tc.src)
			if diff := cmp.Diff(tc.wantStdout, res.Stdout); diff != "" {
				t.Errorf("stdout mismatch (-want +got):\n%s", diff)
			}
			if res.ExitCode != tc.wantExit {
				t.Errorf("exit = %d, want %d (stderr: %q)", res.ExitCode, tc.wantExit, res.Stderr)
			}
		})
	}
}

func TestLocalVariableRestoredAfterFunctionReturn(t *testing.T) {
	qt := quicktest.New(t)
	sh, err := New()
	qt.Assert(err, quicktest.IsNil)

	res := sh.Exec(context.Background(), `
x=outer
f() { local x=inner; }
f
echo "$x"
`)
	qt.Assert(res.Stdout, quicktest.Equals, "outer\n")
	qt.Assert(res.ExitCode, quicktest.Equals, 0)
}

func TestQuotedVsUnquotedFieldSplitting(t *testing.T) {
	qt := quicktest.New(t)
	sh, err := New()
	qt.Assert(err, quicktest.IsNil)

	res := sh.Exec(context.Background(), `
IFS=' '
V="a  b"
set -- $V
echo "$#"
set -- "$V"
echo "$#"
`)
	qt.Assert(res.Stdout, quicktest.Equals, "2\n1\n")
}

func TestFindPathPatternPruning(t *testing.T) {
	qt := quicktest.New(t)
	sh, err := New(WithFiles(map[string][]byte{
		"/a/pulls/x.json": []byte("{}"),
		"/a/pulls/y.json": []byte("{}"),
		"/a/other.txt":    []byte("hi"),
	}))
	qt.Assert(err, quicktest.IsNil)

	res := sh.Exec(context.Background(), `find /a -name '*.json'`)
	qt.Assert(res.ExitCode, quicktest.Equals, 0)
	qt.Assert(res.Stdout, quicktest.Equals, "/a/pulls/x.json\n/a/pulls/y.json\n")
}

func TestTarRoundTripWithNullBytes(t *testing.T) {
	qt := quicktest.New(t)
	payload := []byte{0x41, 0x00, 0x42, 0x00, 0x43}
	sh, err := New(WithFiles(map[string][]byte{
		"/src/nulls.bin": payload,
	}))
	qt.Assert(err, quicktest.IsNil)

	res := sh.Exec(context.Background(), `tar -cf /A.tar -C /src nulls.bin && tar -xf /A.tar -C /dest`)
	qt.Assert(res.ExitCode, quicktest.Equals, 0, quicktest.Commentf("stderr: %s", res.Stderr))

	got, err := sh.FS().ReadFileBuffer("/dest/nulls.bin")
	qt.Assert(err, quicktest.IsNil)
	qt.Assert(got, quicktest.DeepEquals, payload)
}

// fakeFetcher stands in for netfetch.Fetcher in curl tests so no real
// network call ever happens (spec.md §5 "no shared mutable state", and
// §1 "no host file system access" extends to no host network access).
type fakeFetcher struct {
	status int
	body   []byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, req netfetch.Request) (*netfetch.Response, error) {
	return &netfetch.Response{
		StatusCode:   f.status,
		Status:       "201 Created",
		Header:       map[string][]string{"Content-Type": {"application/json"}},
		Body:         f.body,
		EffectiveURL: req.URL,
	}, nil
}

func TestCurlWriteOutWithOutputFile(t *testing.T) {
	qt := quicktest.New(t)
	sh, err := New(WithFetcher(&fakeFetcher{status: 201, body: []byte(`{"result":"success"}`)}))
	qt.Assert(err, quicktest.IsNil)

	res := sh.Exec(context.Background(), `curl -s -o /out.json -w "%{http_code}" https://api.example.com/x`)
	qt.Assert(res.ExitCode, quicktest.Equals, 0, quicktest.Commentf("stderr: %s", res.Stderr))
	qt.Assert(res.Stdout, quicktest.Equals, "201")

	got, err := sh.FS().ReadFile("/out.json")
	qt.Assert(err, quicktest.IsNil)
	qt.Assert(got, quicktest.Equals, `{"result":"success"}`)
}

func TestGzipRoundTrip(t *testing.T) {
	qt := quicktest.New(t)
	sh, err := New(WithFiles(map[string][]byte{
		"/data.txt": []byte("hello, vsh\n"),
	}))
	qt.Assert(err, quicktest.IsNil)

	res := sh.Exec(context.Background(), `gzip -k /data.txt && gunzip -k -c /data.txt.gz`)
	qt.Assert(res.ExitCode, quicktest.Equals, 0, quicktest.Commentf("stderr: %s", res.Stderr))
	qt.Assert(res.Stdout, quicktest.Equals, "hello, vsh\n")
}
