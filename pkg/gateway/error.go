package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes produced by the client itself rather than by the gateway.
const (
	CodeBadResponse = "bad_response"
	CodeTransport   = "transport"
	CodeHTTP        = "http_error"
)

// Error is a failed gateway round trip. Status is the HTTP status, or 0 when
// the request never got a response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Status == 0 {
		return fmt.Sprintf("gateway %s: %s", e.Code, msg)
	}
	return fmt.Sprintf("gateway %d %s: %s", e.Status, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is a gateway Error carrying code.
func IsCode(err error, code string) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Status
	}
	return 0
}
