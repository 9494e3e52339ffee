package h1

import (
	"testing"

	"hyperload/application/http"

	"github.com/stretchr/testify/assert"
)

func TestRequestEncoder(t *testing.T) {
	testcases := []struct {
		desc     string
		method   http.Method
		path     string
		host     string
		headers  [][2]string
		body     string
		expected string
	}{
		{
			desc:     "plain get",
			method:   http.MethodGet,
			path:     "/",
			expected: "GET / HTTP/1.1\r\n\r\n",
		},
		{
			desc:     "host and headers",
			method:   http.MethodGet,
			path:     "/index.html",
			host:     "example.com:8080",
			headers:  [][2]string{{"Accept", "*/*"}},
			expected: "GET /index.html HTTP/1.1\r\nHost: example.com:8080\r\nAccept: */*\r\n\r\n",
		},
		{
			desc:     "body gets content-length",
			method:   http.MethodPost,
			path:     "/submit",
			body:     "a=1",
			expected: "POST /submit HTTP/1.1\r\nContent-Length: 3\r\n\r\na=1",
		},
		{
			desc:     "spaces in path and query",
			method:   http.MethodGet,
			path:     "/a b/c?q=x y&z",
			expected: "GET /a%20b/c?q=x+y&z HTTP/1.1\r\n\r\n",
		},
	}

	e := NewRequestEncoder()
	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			observed := make([][2]string, 0)
			e.Start(tc.method, tc.path, func(name, value string) {
				observed = append(observed, [2]string{name, value})
			})
			if tc.host != "" {
				e.PutHeader("Host", tc.host)
			}
			e.PutContentLength(len(tc.body))
			for _, h := range tc.headers {
				e.PutHeader(h[0], h[1])
			}

			out := e.End([]byte(tc.body))
			assert.Equal(t, tc.expected, string(out))

			expectedHeaders := 0
			if tc.host != "" {
				expectedHeaders++
			}
			if tc.body != "" {
				expectedHeaders++
			}
			assert.Len(t, observed, expectedHeaders+len(tc.headers))
		})
	}
}

func TestRequestEncoderRejectsInvalidTokens(t *testing.T) {
	testcases := []struct {
		desc    string
		method  http.Method
		name    string
		value   string
		wantErr error
	}{
		{desc: "empty method", method: "", name: "Accept", value: "*/*", wantErr: ErrInvalidMethod},
		{desc: "space in method", method: "GE T", name: "Accept", value: "*/*", wantErr: ErrInvalidMethod},
		{desc: "space in name", method: http.MethodGet, name: "X Bad", value: "1", wantErr: ErrInvalidHeaderName},
		{desc: "colon in name", method: http.MethodGet, name: "X:Bad", value: "1", wantErr: ErrInvalidHeaderName},
		{desc: "crlf in value", method: http.MethodGet, name: "X-Bad", value: "1\r\nHost: evil", wantErr: ErrInvalidHeaderValue},
		{desc: "valid", method: http.MethodGet, name: "X-Good", value: "1"},
	}

	e := NewRequestEncoder()
	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			e.Start(tc.method, "/", nil)
			e.PutHeader(tc.name, tc.value)
			if tc.wantErr == nil {
				assert.NoError(t, e.Err())
				return
			}
			assert.ErrorIs(t, e.Err(), tc.wantErr)
		})
	}
}
