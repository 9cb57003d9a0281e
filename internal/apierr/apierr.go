package apierr

import (
  "errors"
  "fmt"
  "net/http"
)

// Machine-checkable error codes carried on every non-stream error response
// and on terminal stream errors.
const (
  CodeValidation     = "validation_error"
  CodePermission     = "permission_denied"
  CodeNotFound       = "not_found"
  CodeConflict       = "conflict"
  CodeUpstreamDecode = "upstream_decode_error"
  CodeUpstream       = "upstream_error"
  CodeInternal       = "internal_error"
)

type Error struct {
  Status int
  Code   string
  Err    error
}

func (e *Error) Error() string {
  if e == nil {
    return ""
  }
  if e.Err != nil {
    return e.Err.Error()
  }
  if e.Code != "" {
    return e.Code
  }
  if e.Status != 0 {
    return fmt.Sprintf("api error (%d)", e.Status)
  }
  return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
  return &Error{Status: status, Code: code, Err: err}
}

func Validation(msg string) *Error {
  return New(http.StatusBadRequest, CodeValidation, errors.New(msg))
}

func Permission(msg string) *Error {
  return New(http.StatusForbidden, CodePermission, errors.New(msg))
}

func NotFound(msg string) *Error {
  return New(http.StatusNotFound, CodeNotFound, errors.New(msg))
}

func Conflict(msg string) *Error {
  return New(http.StatusConflict, CodeConflict, errors.New(msg))
}

func UpstreamDecode(err error) *Error {
  return New(http.StatusBadGateway, CodeUpstreamDecode, err)
}

func Upstream(err error) *Error {
  return New(http.StatusBadGateway, CodeUpstream, err)
}

// From extracts an *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
  var ae *Error
  if errors.As(err, &ae) {
    return ae
  }
  return New(http.StatusInternalServerError, CodeInternal, err)
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
  var ae *Error
  return errors.As(err, &ae) && ae.Code == code
}
