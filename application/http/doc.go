// Package http holds the request and response-handler model shared by the
// HTTP/1.1 and HTTP/2 client connections of the load generator.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110
//
// - https://datatracker.ietf.org/doc/html/rfc9112
//
// - https://datatracker.ietf.org/doc/html/rfc9113
package http
