package ed2k

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum_QuickBrownFox(t *testing.T) {
	fp, err := Sum(strings.NewReader("The quick brown fox jumps over the lazy dog"))
	require.NoError(t, err)
	assert.Equal(t, "414fa339", fp.CRC)
	assert.Equal(t, "1bee69a46ba811185c194762abaeae90", fp.Ed2k)
}

func TestSum_SingleFullChunkOfZeros(t *testing.T) {
	fp, err := Sum(bytes.NewReader(make([]byte, BlockSize)))
	require.NoError(t, err)
	assert.Equal(t, "3abc06ba", fp.CRC)
	assert.Equal(t, "d7def262a127cd79096a108e7a9fc138", fp.Ed2k)
}

func TestSum_TwoFullChunksOfZeros(t *testing.T) {
	fp, err := Sum(bytes.NewReader(make([]byte, 2*BlockSize)))
	require.NoError(t, err)
	assert.Equal(t, "adccde1a", fp.CRC)
	assert.Equal(t, "194ee9e4fa79b2ee9f8829284c466051", fp.Ed2k)
}

func TestSum_EmptyFile(t *testing.T) {
	_, err := Sum(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestDigest_WriteAcrossChunkBoundary(t *testing.T) {
	data := make([]byte, 2*BlockSize)

	whole, err := Sum(bytes.NewReader(data))
	require.NoError(t, err)

	d := New()
	d.Write(data[:BlockSize-100])
	d.Write(data[BlockSize-100:])
	split, err := d.Sum()
	require.NoError(t, err)

	assert.Equal(t, whole, split)
}
