package binding

import (
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"sync"
	"unicode/utf8"

	rpcv1 "github.com/AltairaLabs/funcworker/api/rpc/v1"
)

// HTTPRequest is the structured form of an http trigger input
type HTTPRequest struct {
	Method string
	URL    *url.URL
	// Header keys are canonical, so lookups are case-insensitive
	Header http.Header
	Query  url.Values
	Body   []byte

	rawURL string

	textOnce sync.Once
	text     string
	textErr  error

	jsonOnce sync.Once
	json     any
	jsonErr  error
}

// Text returns the body as a string. It fails on invalid UTF-8
func (r *HTTPRequest) Text() (string, error) {
	r.textOnce.Do(func() {
		if !utf8.Valid(r.Body) {
			r.textErr = bindingErr("request body is not valid UTF-8")
			return
		}
		r.text = string(r.Body)
	})
	return r.text, r.textErr
}

// JSON returns the body parsed as a strict JSON document
func (r *HTTPRequest) JSON() (any, error) {
	r.jsonOnce.Do(func() {
		r.json, r.jsonErr = DecodeJSON(r.Body)
	})
	return r.json, r.jsonErr
}

// HTTPResponse is the declared shape of an http output
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func toHTTPRequest(h *rpcv1.RpcHttp) (*HTTPRequest, error) {
	if h == nil {
		return nil, bindingErr("http value has no payload")
	}
	u, err := url.Parse(h.URL)
	if err != nil {
		return nil, bindingErr("invalid request url: %v", err)
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, bindingErr("invalid query string: %v", err)
	}
	return &HTTPRequest{
		Method: h.Method,
		URL:    u,
		Header: headerFromLines(h.Headers),
		Query:  query,
		Body:   cloneBytes(h.Body),
		rawURL: h.URL,
	}, nil
}

// headerFromLines folds header lines into an http.Header. Names compare
// case-insensitively; the last value on a line wins and separate lines
// accumulate
func headerFromLines(lines []*rpcv1.HeaderLine) http.Header {
	header := make(http.Header, len(lines))
	for _, line := range lines {
		if line == nil || line.Name == "" {
			continue
		}
		value := ""
		if n := len(line.Values); n > 0 {
			value = line.Values[n-1]
		}
		header.Add(textproto.CanonicalMIMEHeaderKey(line.Name), value)
	}
	return header
}

// linesFromHeader emits one line per value, names sorted
func linesFromHeader(header http.Header) []*rpcv1.HeaderLine {
	if len(header) == 0 {
		return nil
	}
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []*rpcv1.HeaderLine
	for _, name := range names {
		for _, v := range header[name] {
			lines = append(lines, &rpcv1.HeaderLine{
				Name:   textproto.CanonicalMIMEHeaderKey(name),
				Values: []string{v},
			})
		}
	}
	return lines
}

func fromHTTPRequest(r *HTTPRequest) *rpcv1.RpcHttp {
	// Keep the host's spelling of the URL unless user code replaced it
	raw := r.rawURL
	if r.URL != nil {
		if parsed, err := url.Parse(raw); err != nil || parsed.String() != r.URL.String() {
			raw = r.URL.String()
		}
	}
	return &rpcv1.RpcHttp{
		Method:  r.Method,
		URL:     raw,
		Headers: linesFromHeader(r.Header),
		Body:    cloneBytes(r.Body),
	}
}

func fromHTTPResponse(r *HTTPResponse) *rpcv1.RpcHttp {
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &rpcv1.RpcHttp{
		StatusCode: int32(status), //nolint:gosec // HTTP status codes fit in int32
		Headers:    linesFromHeader(r.Header),
		Body:       cloneBytes(r.Body),
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
