package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Is(t *testing.T) {
	t.Run("wrapped instance matches sentinel", func(t *testing.T) {
		err := NotConnected(fmt.Errorf("dial tcp: refused"))
		assert.True(t, stderrors.Is(err, ErrNotConnected))
		assert.False(t, stderrors.Is(err, ErrSendFailed))
	})

	t.Run("send failure keeps its cause visible", func(t *testing.T) {
		err := SendFailed(ErrNotConnected)
		assert.True(t, stderrors.Is(err, ErrSendFailed))
		assert.True(t, stderrors.Is(err, ErrNotConnected))
		assert.Equal(t, CodeSendFailed, CodeOf(err))
	})

	t.Run("code of foreign error", func(t *testing.T) {
		assert.Equal(t, CodeUnknown, CodeOf(fmt.Errorf("boom")))
		assert.Equal(t, Code(""), CodeOf(nil))
	})
}

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "malformed frame", ErrMalformedFrame.Error())
	assert.Equal(t, "malformed frame: bad json", MalformedFrame(fmt.Errorf("bad json")).Error())
}
