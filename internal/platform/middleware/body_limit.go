package middleware

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthvault/healthvault/internal/platform/errcode"
)

// BodyLimit caps request bodies at defaultLimit bytes. routeLimits
// overrides the cap per "METHOD route" (the echo route pattern, e.g.
// "POST /api/v1/documents"). Oversized bodies fail with DOC_002.
func BodyLimit(defaultLimit int64, routeLimits map[string]int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultLimit
			if l, ok := routeLimits[req.Method+" "+c.Path()]; ok {
				limit = l
			}
			if limit <= 0 {
				return next(c)
			}

			// Reject early when Content-Length is already too large.
			if req.ContentLength > limit {
				return tooLarge(limit)
			}

			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit, limit: limit}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, tooLarge(r.limit)
	}

	// Read at most one byte past the limit to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}

	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, tooLarge(r.limit)
	}
	return n, err
}

func tooLarge(limit int64) error {
	return errcode.New(errcode.SizeExceeded, fmt.Sprintf("request body exceeds %d bytes", limit))
}
