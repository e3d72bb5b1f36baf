package meter

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"io"
	"sync/atomic"
)

// Reader counts and hashes the bytes pulled through it
type Reader struct {
	r io.Reader
	h hash.Hash
	n atomic.Int64
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

func (m *Reader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.h.Write(p[:n])
		m.n.Add(int64(n))
	}
	return n, err
}

// Size returns the number of bytes read so far
func (m *Reader) Size() int64 {
	return m.n.Load()
}

// Checksum returns the hex SHA-256 of the bytes read so far.
// Only meaningful once the reader has returned io.EOF.
func (m *Reader) Checksum() string {
	return hex.EncodeToString(m.h.Sum(nil))
}

// ContentDigest renders a hex SHA-256 as an RFC 9530 Content-Digest value.
// It returns "" when checksum is not valid hex.
func ContentDigest(checksum string) string {
	raw, err := hex.DecodeString(checksum)
	if err != nil || len(raw) != sha256.Size {
		return ""
	}
	return "sha-256=:" + base64.StdEncoding.EncodeToString(raw) + ":"
}
