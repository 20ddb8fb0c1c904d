// Package netfetch is the policy-gated network fetch hook external
// collaborator spec.md §1/§6 describes: curl (component C12) is the only
// built-in that ever reaches the network, and only through this
// interface, which rejects requests synchronously against an allow-list
// of URL prefixes and methods before anything is sent.
package netfetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrPolicyDenied is returned when a request's URL prefix or method is
// not on the allow-list. This is the initial-request denial spec.md
// §4.12 maps to exit 7 ("access denied"), distinct from ErrRedirectDenied.
var ErrPolicyDenied = errors.New("netfetch: denied by policy")

// ErrRedirectDenied is returned when a redirect target the HTTP client
// followed is itself blocked by policy. HTTPFetcher follows redirects on
// every request; curl's -L/--location flag is parsed but not passed on,
// so it has no effect on this. spec.md §4.12 reserves exit 47 for this
// case, separately from the initial request's ErrPolicyDenied (exit 7).
var ErrRedirectDenied = errors.New("netfetch: redirect denied by policy")

// ErrDisabled is returned when networking was not enabled for the Shell.
var ErrDisabled = errors.New("netfetch: networking disabled")

// Request is the inputs curl's request assembly (spec.md §4.12) hands to
// the fetch hook.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is what the hook returns on success.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	EffectiveURL string
}

// Fetcher is the capability curl's CommandContext carries (spec.md §6
// "fetch? (curl only)"). Disabled means no Fetcher is present at all.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Policy is the allow-list configuration spec.md §6 describes under
// `network: {allowedUrlPrefixes, allowedMethods}`.
type Policy struct {
	AllowedURLPrefixes []string
	AllowedMethods     []string
}

func (p Policy) allows(method, url string) bool {
	if len(p.AllowedMethods) > 0 {
		ok := false
		for _, m := range p.AllowedMethods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(p.AllowedURLPrefixes) == 0 {
		return false
	}
	for _, prefix := range p.AllowedURLPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// HTTPFetcher is the default net/http-backed Fetcher implementation,
// gating every request through Policy before it ever reaches the
// network, the idiomatic Go shape for "make an HTTP request under a
// policy gate": a net/http.Client paired with a custom RoundTripper.
type HTTPFetcher struct {
	Policy Policy
	Client *http.Client
}

// NewHTTPFetcher returns a Fetcher enforcing policy via a RoundTripper
// wrapper around http.DefaultTransport.
func NewHTTPFetcher(policy Policy) *HTTPFetcher {
	return &HTTPFetcher{
		Policy: policy,
		Client: &http.Client{
			Transport: &policyTransport{policy: policy, next: http.DefaultTransport},
		},
	}
}

type policyTransport struct {
	policy Policy
	next   http.RoundTripper
}

// RoundTrip is reached for both the initial request and every redirect
// hop http.Client follows; Fetch has already cleared the initial
// request against Policy before calling client.Do, so a denial
// surfacing here belongs to a redirect target.
func (t *policyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.policy.allows(req.Method, req.URL.String()) {
		return nil, ErrRedirectDenied
	}
	return t.next.RoundTrip(req)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if !f.Policy.allows(req.Method, req.URL) {
		return nil, ErrPolicyDenied
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header
	}
	client := f.Client
	if req.Timeout > 0 {
		c := *client
		c.Timeout = req.Timeout
		client = &c
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	effective := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		effective = resp.Request.URL.String()
	}
	return &Response{
		StatusCode:   resp.StatusCode,
		Status:       resp.Status,
		Header:       resp.Header,
		Body:         body,
		EffectiveURL: effective,
	}, nil
}
