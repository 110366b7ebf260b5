package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		wantType    ErrorType
		wantRetryOK bool
	}{
		{"nil error", nil, ErrorTypeUnknown, false},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorTypeNetwork, true},
		{"eof from peer", errors.New("unexpected EOF"), ErrorTypeNetwork, true},
		{"rate limited", fmt.Errorf("inference API error (status 429): rate limit exceeded"), ErrorTypeLLM, true},
		{"upstream 503", errors.New("status 503 from upstream"), ErrorTypeLLM, true},
		{"context deadline", errors.New("context deadline exceeded"), ErrorTypeTimeout, true},
		{"ocr failure", errors.New("ocr service failed to extract text"), ErrorTypeOCR, true},
		{"database failure", errors.New("gorm: transaction rolled back"), ErrorTypeDatabase, false},
		{"validation failure", errors.New("validation: field is required"), ErrorTypeValidation, false},
		{"unrecognized error", errors.New("something entirely unexpected happened"), ErrorTypeUnknown, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotType, gotRetry := ClassifyError(tc.err)
			assert.Equal(t, tc.wantType, gotType)
			assert.Equal(t, tc.wantRetryOK, gotRetry)
		})
	}
}
