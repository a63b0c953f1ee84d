package taskerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/clipforge/clipforge/internal/taskerr"
	"github.com/stretchr/testify/assert"
)

func Test_Retryable(t *testing.T) {
	retryable := []taskerr.Kind{taskerr.KindTransient, taskerr.KindUploadError}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s should be retryable", k)
	}

	terminal := []taskerr.Kind{
		taskerr.KindBadRequest, taskerr.KindSourceUnavailable, taskerr.KindInvalidMedia,
		taskerr.KindEncoderError, taskerr.KindCancelled, taskerr.KindInternal,
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func Test_As_PassesThroughClassifiedError(t *testing.T) {
	original := taskerr.New(taskerr.KindInvalidMedia, "no audio stream", errors.New("ffprobe: no streams"))

	classified := taskerr.As(original)

	assert.Same(t, original, classified)
	assert.Equal(t, taskerr.KindInvalidMedia, classified.Kind)
}

func Test_As_UnwrapsWrappedClassifiedError(t *testing.T) {
	original := taskerr.New(taskerr.KindTransient, "connection reset", errors.New("eof"))
	wrapped := fmt.Errorf("downloading attachment: %w", original)

	classified := taskerr.As(wrapped)

	assert.Same(t, original, classified)
}

func Test_As_ClassifiesUnknownErrorAsInternal(t *testing.T) {
	classified := taskerr.As(errors.New("totally unclassified"))

	assert.Equal(t, taskerr.KindInternal, classified.Kind)
	assert.Equal(t, "an unexpected error occurred", classified.UserMessage)
}

func Test_As_Nil(t *testing.T) {
	assert.Nil(t, taskerr.As(nil))
}

func Test_Error_MessageFormat(t *testing.T) {
	withCause := taskerr.New(taskerr.KindEncoderError, "encoder crashed", errors.New("exit status 1"))
	assert.Contains(t, withCause.Error(), "encoder crashed")
	assert.Contains(t, withCause.Error(), "exit status 1")

	withoutCause := taskerr.New(taskerr.KindBadRequest, "missing quality", nil)
	assert.Equal(t, "BadRequest: missing quality", withoutCause.Error())
}
