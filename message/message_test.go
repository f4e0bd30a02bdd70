package message

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameTypeNames(t *testing.T) {
	assert.Equal(t, "MESSAGE", RequestMessage.String())
	assert.Equal(t, "END_OF_STREAM", RequestEndOfStream.String())
	assert.Equal(t, "METADATA", RequestMetadata.String())
	assert.Equal(t, "CANCEL", RequestCancel.String())
	assert.Equal(t, "UNKNOWN", RequestType(9).String())

	assert.Equal(t, "MESSAGE", ResponseMessage.String())
	assert.Equal(t, "END_OF_STREAM", ResponseEndOfStream.String())
	assert.Equal(t, "METADATA", ResponseMetadata.String())
	assert.Equal(t, "ERROR", ResponseError.String())
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(CodeMethodNotFound, "no handler for rpc %s", "nope")
	assert.Equal(t, "swill: code 404: no handler for rpc nope", err.Error())
}

func TestErrorUnwrapsThroughWrapping(t *testing.T) {
	inner := NewError(CodeInvalidArgument, "bad input")
	wrapped := fmt.Errorf("handling request: %w", inner)

	var we *Error
	assert.True(t, errors.As(wrapped, &we))
	assert.Equal(t, CodeInvalidArgument, we.Code)
}
