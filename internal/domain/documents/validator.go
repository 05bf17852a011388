package documents

import (
	"fmt"
	"mime"
	"strings"

	"github.com/healthvault/healthvault/internal/platform/errcode"
)

// Validator checks an upload before anything is stored.
type Validator struct {
	MaxBytes int64
	Accepted []string
}

func NewValidator(maxBytes int64, accepted []string) *Validator {
	norm := make([]string, 0, len(accepted))
	for _, a := range accepted {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			norm = append(norm, a)
		}
	}
	return &Validator{MaxBytes: maxBytes, Accepted: norm}
}

// Validate returns a DOC_002 error for an oversized upload and DOC_001 for
// an empty one or an unaccepted content type. Size is checked first.
func (v *Validator) Validate(contentType string, size int64) error {
	if v.MaxBytes > 0 && size > v.MaxBytes {
		return errcode.New(errcode.SizeExceeded, fmt.Sprintf("document is %d bytes; the limit is %d", size, v.MaxBytes))
	}
	if size == 0 {
		return errcode.New(errcode.InvalidFormat, "document is empty")
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return errcode.New(errcode.InvalidFormat, "content type is missing or malformed")
	}
	for _, a := range v.Accepted {
		if mt == a {
			return nil
		}
	}
	return errcode.New(errcode.InvalidFormat, fmt.Sprintf("content type %s is not accepted; use one of %s", mt, strings.Join(v.Accepted, ", ")))
}
