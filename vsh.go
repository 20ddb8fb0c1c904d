// Package vsh is the embedding API spec.md §6 describes: `Shell`,
// `New(options...)`, `(*Shell).Exec`, wiring together the lexer/parser,
// expansion engine, executor, virtual file system, and the complex
// built-in suite (find, tar, gzip/gunzip/zcat, curl) behind a single
// synchronous-looking `exec(source) -> {stdout, stderr, exitCode}` call.
//
// Grounded on the teacher's own convenience layer,
// interp.New(options ...RunnerOption) plus the shell package's
// Source/Expand helpers (mvdan.cc/sh/v3/interp/interp.go,
// mvdan.cc/sh/v3/shell/source.go), generalized from "run against the
// real OS" to "run against a virtual FS and a policy-gated fetch hook".
package vsh

import (
	"context"

	"github.com/sandboxsh/vsh/builtin/curl"
	"github.com/sandboxsh/vsh/builtin/find"
	"github.com/sandboxsh/vsh/builtin/gzip"
	"github.com/sandboxsh/vsh/builtin/tar"
	"github.com/sandboxsh/vsh/interp"
	"github.com/sandboxsh/vsh/netfetch"
	"github.com/sandboxsh/vsh/vfs"
)

// Shell is one isolated interpreter instance (spec.md §5 "each Shell
// instance is the unit of isolation").
type Shell struct {
	runner *interp.Runner
}

// Result is the outcome of one Exec call.
type Result = interp.Result

// config accumulates what Option values configure, mirroring
// interp.Params/interp.Env/interp.StdIO's shape as one struct instead
// of a chain of RunnerOption closures, since every field here is
// set-once at construction (spec.md §6 "Shell::new(options)").
type config struct {
	env     map[string]string
	files   map[string][]byte
	fs      vfs.FS
	cwd     string
	policy  netfetch.Policy
	fetcher netfetch.Fetcher
	network bool
	limits  interp.Limits
}

// Option configures a Shell at construction time.
type Option func(*config)

// WithEnv seeds initial exported variables.
func WithEnv(env map[string]string) Option {
	return func(c *config) { c.env = env }
}

// WithFiles seeds the virtual file system's initial contents (spec.md
// §6 "files: initial virtual FS contents").
func WithFiles(files map[string][]byte) Option {
	return func(c *config) { c.files = files }
}

// WithCwd sets the shell's initial working directory.
func WithCwd(dir string) Option {
	return func(c *config) { c.cwd = dir }
}

// WithFS substitutes the default in-memory virtual file system with a
// host-supplied one (e.g. vfs.NewOSRoot), letting an embedder such as
// cmd/vsh run the interpreter against real files while every other
// component still only ever sees the vfs.FS interface.
func WithFS(fsys vfs.FS) Option {
	return func(c *config) { c.fs = fsys }
}

// WithNetwork enables the curl built-in under the given allow-list
// policy (spec.md §6 "network: {allowedUrlPrefixes, allowedMethods}
// | disabled").
func WithNetwork(policy netfetch.Policy) Option {
	return func(c *config) {
		c.network = true
		c.policy = policy
	}
}

// WithFetcher overrides the default net/http-backed Fetcher, e.g. for
// tests that substitute a fake.
func WithFetcher(f netfetch.Fetcher) Option {
	return func(c *config) {
		c.network = true
		c.fetcher = f
	}
}

// WithLimits overrides the default execution-limit guards (spec.md §5
// "total command-count limit and loop-iteration limit").
func WithLimits(limits interp.Limits) Option {
	return func(c *config) { c.limits = limits }
}

// New constructs a Shell over a fresh in-memory virtual file system,
// matching spec.md §6's `Shell::new(options)`.
func New(opts ...Option) (*Shell, error) {
	c := &config{cwd: "/", limits: interp.DefaultLimits}
	for _, o := range opts {
		o(c)
	}

	fsys := c.fs
	if fsys == nil {
		mem := vfs.NewMem()
		if err := mem.Seed(c.files); err != nil {
			return nil, err
		}
		fsys = mem
	}

	var fetcher netfetch.Fetcher
	if c.fetcher != nil {
		fetcher = c.fetcher
	} else if c.network {
		fetcher = netfetch.NewHTTPFetcher(c.policy)
	}

	r := interp.New(fsys, c.cwd, c.env, fetcher, c.limits)
	r.RegisterCommand("find", find.New())
	r.RegisterCommand("tar", tar.New())
	r.RegisterCommand("gzip", gzip.NewGzip())
	r.RegisterCommand("gunzip", gzip.NewGunzip())
	r.RegisterCommand("zcat", gzip.NewZcat())
	if fetcher != nil {
		r.RegisterCommand("curl", curl.New())
	}

	return &Shell{runner: r}, nil
}

// Exec parses and runs source as a script, matching spec.md §6's
// `shell.exec(source) -> {stdout, stderr, exitCode}`.
func (s *Shell) Exec(ctx context.Context, source string) Result {
	return s.runner.Exec(ctx, source)
}

// FS exposes the virtual file system spec.md §6 calls `shell.fs`, so a
// host can seed or inspect files around an Exec call.
func (s *Shell) FS() vfs.FS { return s.runner.FS }

// Register wires an additional external built-in under name, matching
// spec.md §4.8's "registered external commands" tier (e.g. a host's
// own `grep`/`sed`/`sort` collaborator).
func (s *Shell) Register(name string, fn interp.ExecHandlerFunc) {
	s.runner.RegisterCommand(name, fn)
}
