package flaghttp

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/itlightning/dateparse"
)

// Response is a completed HTTP exchange. Any status code is a Response; only
// transport failures are errors.
type Response struct {
	statusCode int
	status     string
	body       []byte
	header     http.Header
}

func newResponse(resp *resty.Response) *Response {
	return &Response{
		statusCode: resp.StatusCode(),
		status:     resp.Status(),
		body:       resp.Body(),
		header:     resp.Header(),
	}
}

func (r *Response) Body() []byte {
	return r.body
}

func (r *Response) IsSuccess() bool {
	return r.statusCode >= 200 && r.statusCode < 300
}

// NotModified reports a 304 answer to a conditional request.
func (r *Response) NotModified() bool {
	return r.statusCode == http.StatusNotModified
}

func (r *Response) Status() string {
	return r.status
}

func (r *Response) StatusCode() int {
	return r.statusCode
}

func (r *Response) Header() http.Header {
	return r.header
}

// Date returns the server's Date header, if it is present and parses.
func (r *Response) Date() (time.Time, bool) {
	raw := r.header.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
