package socket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type frameBody struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := frameBody{A: "hello", B: 42}
	require.NoError(t, WriteFrame(&buf, in))

	var out frameBody
	require.NoError(t, ReadFrame(&buf, &out))
	require.Equal(t, in, out)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// A declared length larger than MaxFrameSize with no body.
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	var out frameBody
	err := ReadFrame(&buf, &out)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, frameBody{A: "one"}))
	require.NoError(t, WriteFrame(&buf, frameBody{A: "two"}))

	var first, second frameBody
	require.NoError(t, ReadFrame(&buf, &first))
	require.NoError(t, ReadFrame(&buf, &second))
	require.Equal(t, "one", first.A)
	require.Equal(t, "two", second.A)
}
