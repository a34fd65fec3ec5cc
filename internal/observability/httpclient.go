package observability

import "net/http"

// NewHTTPClient returns base (a new http.Client when base is nil) with
// http.DefaultTransport filled in when no transport is set; no other
// transport tuning is applied.
// It no longer wraps an OTel round-tripper (no tracing backend is wired in
// this build); callers that need header injection should use WithHeaders.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	if base.Transport == nil {
		base.Transport = http.DefaultTransport
	}
	return base
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return h.base.RoundTrip(req)
}

// WithHeaders wraps base's transport so every outgoing request carries the
// given headers unless the caller already set them.
func WithHeaders(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	out := *base
	out.Transport = headerRoundTripper{base: rt, headers: headers}
	return &out
}
