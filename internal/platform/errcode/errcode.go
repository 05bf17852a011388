// Package errcode defines the error codes surfaced to API callers and the
// Echo error handler that renders them.
package errcode

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Code is a stable, user-facing error identifier.
type Code string

const (
	InvalidFormat      Code = "DOC_001"
	SizeExceeded       Code = "DOC_002"
	ExtractionFailed   Code = "DOC_003"
	ParseFailed        Code = "DOC_004"
	DocumentNotFound   Code = "DOC_005"
	DocumentBusy       Code = "DOC_006"
	InteractionCheck   Code = "MED_003"
	MedicationNotFound Code = "MED_004"
	LogImmutable       Code = "MED_005"
	ServiceUnavailable Code = "SYS_001"
	StorageError       Code = "SYS_002"
	InternalError      Code = "SYS_003"
	BadRequest         Code = "REQ_001"
)

var statusByCode = map[Code]int{
	InvalidFormat:      http.StatusUnsupportedMediaType,
	SizeExceeded:       http.StatusRequestEntityTooLarge,
	ExtractionFailed:   http.StatusUnprocessableEntity,
	ParseFailed:        http.StatusUnprocessableEntity,
	DocumentNotFound:   http.StatusNotFound,
	DocumentBusy:       http.StatusConflict,
	InteractionCheck:   http.StatusBadGateway,
	MedicationNotFound: http.StatusNotFound,
	LogImmutable:       http.StatusConflict,
	ServiceUnavailable: http.StatusServiceUnavailable,
	StorageError:       http.StatusInternalServerError,
	InternalError:      http.StatusInternalServerError,
	BadRequest:         http.StatusBadRequest,
}

// HTTPStatus returns the HTTP status associated with the code.
func (c Code) HTTPStatus() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error carries a Code alongside a user-actionable message and an optional
// underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New returns an *Error without an underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an *Error that wraps err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can use errors.Is with a
// template such as errcode.New(errcode.ParseFailed, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Response is the JSON body written for coded errors.
type Response struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// HTTPErrorHandler renders *Error values as {"code","message"} and defers
// to Echo's default handler for everything else.
func HTTPErrorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var coded *Error
		if errors.As(err, &coded) {
			status := coded.Code.HTTPStatus()
			var werr error
			if c.Request().Method == http.MethodHead {
				werr = c.NoContent(status)
			} else {
				werr = c.JSON(status, Response{Code: coded.Code, Message: coded.Message})
			}
			if werr != nil {
				e.Logger.Error(werr)
			}
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}
