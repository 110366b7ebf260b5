package validation

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleRequest struct {
	Reason string `validate:"required"`
	Name   string `validate:"min=3,max=5"`
	Age    int    `validate:"gte=0,lte=120"`
	Email  string `validate:"email"`
}

func TestFormatValidationErrors(t *testing.T) {
	v := validator.New()

	t.Run("translates each tag to a readable message", func(t *testing.T) {
		req := sampleRequest{Reason: "", Name: "x", Age: 200, Email: "not-an-email"}
		err := v.Struct(req)
		require.Error(t, err)

		errs := FormatValidationErrors(err)
		assert.Contains(t, errs["reason"], "required")
		assert.Contains(t, errs["name"], "at least")
		assert.Contains(t, errs["age"], "less than or equal")
		assert.Contains(t, errs["email"], "Invalid email")
	})

	t.Run("returns an empty map for a non-validator error", func(t *testing.T) {
		errs := FormatValidationErrors(assertError{})
		assert.Empty(t, errs)
	})
}

type assertError struct{}

func (assertError) Error() string { return "not a validator.ValidationErrors" }

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"trims surrounding whitespace", "  hello  ", "hello"},
		{"strips embedded null bytes", "hel\x00lo", "hello"},
		{"leaves a clean string untouched", "clean.pdf", "clean.pdf"},
		{"empty string stays empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeString(tc.in))
		})
	}
}
