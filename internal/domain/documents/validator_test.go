package documents

import (
	"testing"

	"github.com/healthvault/healthvault/internal/platform/errcode"
)

func TestValidator(t *testing.T) {
	v := NewValidator(1024, []string{"image/jpeg", " image/png ", "application/pdf"})

	tests := []struct {
		name        string
		contentType string
		size        int64
		want        errcode.Code
	}{
		{"accepted jpeg", "image/jpeg", 100, ""},
		{"accepted with params", "application/pdf; name=scan.pdf", 100, ""},
		{"accepted mixed case", "IMAGE/PNG", 100, ""},
		{"at limit", "image/png", 1024, ""},
		{"too large", "image/png", 1025, errcode.SizeExceeded},
		{"too large and wrong type", "text/plain", 4096, errcode.SizeExceeded},
		{"wrong type", "text/plain", 10, errcode.InvalidFormat},
		{"missing type", "", 10, errcode.InvalidFormat},
		{"empty body", "image/png", 0, errcode.InvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.contentType, tt.size)
			if got := errcode.CodeOf(err); got != tt.want {
				t.Errorf("Validate(%q, %d) code = %q, want %q (%v)", tt.contentType, tt.size, got, tt.want, err)
			}
		})
	}
}
