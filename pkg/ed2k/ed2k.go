// Package ed2k implements the eDonkey2000 (ed2k/eMule) content fingerprint:
// a 32-bit CRC alongside a chunked MD4 construction over fixed-size blocks.
//
// The file is split into BlockSize-byte chunks; the CRC32 accumulates over
// the whole stream while an MD4 digest is taken per chunk. A single-chunk
// file's ed2k hash is that chunk's MD4 digest; a multi-chunk file's ed2k
// hash is the MD4 of the concatenation of the per-chunk digests.
package ed2k

import (
	"encoding/hex"
	"errors"
	"hash"
	"hash/crc32"
	"io"

	"golang.org/x/crypto/md4"
)

const (
	// BlockSize is the ed2k chunk size, in bytes.
	BlockSize = 9_728_000

	// md4Size is the length, in bytes, of one MD4 digest.
	md4Size = 16
)

// ErrEmptyFile is returned by Sum when the input stream yielded zero bytes.
// The ed2k format has no representation for an empty file's hash.
var ErrEmptyFile = errors.New("ed2k: empty file")

// Fingerprint is a computed content fingerprint: an 8-char lowercase hex
// CRC32 and a 32-char lowercase hex ed2k digest.
type Fingerprint struct {
	CRC  string
	Ed2k string
}

// Digest accumulates a streaming ed2k + CRC32 computation. Callers write
// successive chunks via Write and obtain the final fingerprint via Sum.
// A Digest is single-use; call New to start a fresh computation.
type Digest struct {
	crc       hash.Hash32
	chunkMD4  hash.Hash
	chunkLeft int
	chunks    [][]byte
}

// New returns a Digest ready to absorb file content.
func New() *Digest {
	return &Digest{
		crc:       crc32.NewIEEE(),
		chunkMD4:  md4.New(),
		chunkLeft: BlockSize,
	}
}

// Write feeds data into the digest, splitting at BlockSize boundaries as
// needed so the chunked MD4 construction sees exactly one digest per
// complete BlockSize-byte chunk. It always returns len(p), nil.
func (d *Digest) Write(p []byte) (int, error) {
	total := len(p)

	for len(p) > 0 {
		d.crc.Write(p[:min(len(p), d.chunkLeft)]) //nolint:errcheck // hash.Hash.Write never errors

		n := min(len(p), d.chunkLeft)
		d.chunkMD4.Write(p[:n]) //nolint:errcheck // hash.Hash.Write never errors
		d.chunkLeft -= n
		p = p[n:]

		if d.chunkLeft == 0 {
			d.chunks = append(d.chunks, d.chunkMD4.Sum(nil))
			d.chunkMD4.Reset()
			d.chunkLeft = BlockSize
		}
	}

	return total, nil
}

// Sum finalizes the digest and returns the resulting fingerprint. It
// returns ErrEmptyFile if Write was never called with any bytes.
func (d *Digest) Sum() (Fingerprint, error) {
	// A partially filled final chunk (chunkLeft < BlockSize, chunks
	// empty-or-not) still needs its digest flushed.
	if d.chunkLeft < BlockSize {
		d.chunks = append(d.chunks, d.chunkMD4.Sum(nil))
	}

	if len(d.chunks) == 0 {
		return Fingerprint{}, ErrEmptyFile
	}

	crcSum := d.crc.Sum32()

	var ed2kDigest []byte
	if len(d.chunks) == 1 {
		ed2kDigest = d.chunks[0]
	} else {
		concat := make([]byte, 0, len(d.chunks)*md4Size)
		for _, c := range d.chunks {
			concat = append(concat, c...)
		}

		full := md4.New()
		full.Write(concat) //nolint:errcheck // hash.Hash.Write never errors
		ed2kDigest = full.Sum(nil)
	}

	return Fingerprint{
		CRC:  hex.EncodeToString(crc32ToBytes(crcSum)),
		Ed2k: hex.EncodeToString(ed2kDigest),
	}, nil
}

// crc32ToBytes renders a 32-bit CRC as its 4 big-endian bytes, matching the
// 8-hex-digit zero-padded rendering the fixtures expect.
func crc32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Sum streams r to completion and returns its ed2k fingerprint. It wraps
// the Digest type for callers that don't need incremental Write access.
func Sum(r io.Reader) (Fingerprint, error) {
	d := New()

	buf := make([]byte, 1<<20)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Write(buf[:n]) //nolint:errcheck // Digest.Write never errors
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return Fingerprint{}, err
		}
	}

	return d.Sum()
}
