package http

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

var (
	// ErrConnectionClosed is the cause for requests cancelled because the peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSelfClosed is the cause for requests cancelled because the connection was closed locally.
	// It matches [ErrConnectionClosed] with errors.Is.
	ErrSelfClosed error = selfClosedError{}

	ErrPoolExhausted = errors.New("connection pool exhausted: too many consecutive connect failures")
	ErrPoolShutdown  = errors.New("connection pool is shut down")

	// ErrStopped marks a request stopped by its caller. It is never reported as a failure.
	ErrStopped = errors.New("request stopped")

	ErrDecode = errors.New("response decode failed")

	ErrUnsolicitedResponse = errors.New("response without outstanding request")
)

type selfClosedError struct{}

func (selfClosedError) Error() string        { return "connection closed locally" }
func (selfClosedError) Is(target error) bool { return target == ErrConnectionClosed }

// DecodeError tears down the connection it happened on.
type DecodeError struct{ cause error }

func NewDecodeError(err error) DecodeError { return DecodeError{cause: err} }

func (e DecodeError) Error() string        { return "decoding response: " + e.cause.Error() }
func (e DecodeError) Cause() error         { return e.cause }
func (e DecodeError) Unwrap() error        { return e.cause }
func (e DecodeError) Is(target error) bool { return target == ErrDecode }

// StreamResetError is delivered to the request of an HTTP/2 stream reset by the peer.
type StreamResetError struct{ Code http2.ErrCode }

func (e StreamResetError) Error() string {
	return fmt.Sprintf("stream reset by peer: %s", e.Code)
}

// GoAwayError is delivered to requests whose streams the peer refused when going away.
type GoAwayError struct {
	LastStreamID uint32
	Code         http2.ErrCode
}

func (e GoAwayError) Error() string {
	return fmt.Sprintf("connection going away (last stream %d): %s", e.LastStreamID, e.Code)
}

func (e GoAwayError) Is(target error) bool { return target == ErrConnectionClosed }
