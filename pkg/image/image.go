// Package image implements the Image Header layout embedded at the head
// of every layer's flash region and the Image Verifier's six ordered
// checks, including the anti-rollback comparison against persisted
// image metadata.
//
// Like pkg/staging, the header is a packed binary layout: it is read
// back from a flash region by byte offset and parsed in place only
// after its bounds and magic have been validated.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"go.lazarusboot.dev/lzcore/pkg/datastore"
	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

// Magic marks a valid image header.
const Magic = datastore.Magic // the shared "LZCR" sentinel

const nameSize = 32

// fixedHeaderSize covers every field up to and including the signature
// length prefix.
const fixedHeaderSize = 4 + 4 + 4 + nameSize + 4 + 8 + 32 + 4

// Header is the packed layout at the start of a layer's flash region.
type Header struct {
	Magic     uint32
	HdrSize   uint32
	Size      uint32
	Name      [nameSize]byte
	Version   uint32
	IssueTime int64
	Digest    [32]byte
	Signature []byte
}

// WireSize returns the number of bytes this header occupies, including
// the variable-length signature trailer.
func (h *Header) WireSize() int {
	return fixedHeaderSize + len(h.Signature)
}

// SignedContent returns the byte range the ECDSA signature covers:
// every header field except the signature length prefix and the
// signature itself. Exported so the tool that issues an image header
// can compute a signature over exactly the bytes Verify checks.
func (h *Header) SignedContent() []byte {
	buf := make([]byte, 0, fixedHeaderSize-4)
	buf = appendU32(buf, h.Magic)
	buf = appendU32(buf, h.HdrSize)
	buf = appendU32(buf, h.Size)
	buf = append(buf, h.Name[:]...)
	buf = appendU32(buf, h.Version)
	buf = appendU64(buf, uint64(h.IssueTime))
	buf = append(buf, h.Digest[:]...)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Encode serializes h to its wire layout.
func (h *Header) Encode() []byte {
	buf := h.SignedContent()
	buf = appendU32(buf, uint32(len(h.Signature)))
	buf = append(buf, h.Signature...)
	return buf
}

// DecodeHeader parses a Header from the front of buf.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < fixedHeaderSize {
		return nil, fmt.Errorf("image: short buffer decoding header: have %d, want at least %d", len(buf), fixedHeaderSize)
	}
	h := &Header{
		Magic:   binary.BigEndian.Uint32(buf[0:4]),
		HdrSize: binary.BigEndian.Uint32(buf[4:8]),
		Size:    binary.BigEndian.Uint32(buf[8:12]),
	}
	copy(h.Name[:], buf[12:12+nameSize])
	off := 12 + nameSize
	h.Version = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	h.IssueTime = int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	copy(h.Digest[:], buf[off:off+32])
	off += 32
	sigLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if sigLen < 0 || off+sigLen > len(buf) {
		return nil, fmt.Errorf("image: signature length %d out of bounds", sigLen)
	}
	h.Signature = append([]byte(nil), buf[off:off+sigLen]...)
	return h, nil
}

var (
	ErrBadMagic            = errors.New("image: magic mismatch")
	ErrCodePointerMismatch = errors.New("image: code does not begin at header-base + hdr_size")
	ErrDigestMismatch      = errors.New("image: code digest mismatch")
	ErrBadMetadata         = errors.New("image: persisted metadata magic invalid")
	ErrRollback            = errors.New("image: version or issue time is older than the persisted watermark")
)

// Verify runs six ordered checks against a header freshly read from a
// layer's flash region:
//
//  1. header magic
//  2. codeOffset equals hdr_size (the code segment starts at header-base + hdr_size)
//  3. sha256(code[:header.Size]) == header.Digest
//  4. ECDSA verification of the header content under the code-authority key
//  5. persisted metadata carries the expected magic
//  6. header.Version >= meta.LastVersion && header.IssueTime >= meta.LastIssueTime
//
// Ties on check 6 are allowed, so the same image can be re-verified
// every boot without being treated as a rollback.
func Verify(h *Header, code []byte, codeOffset int, codeAuthorityPub []byte, meta datastore.ImageMetadata) error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if uint32(codeOffset) != h.HdrSize {
		return ErrCodePointerMismatch
	}
	if uint32(len(code)) < h.Size {
		return ErrCodePointerMismatch
	}
	digest := lzcrypto.SHA256(code[:h.Size])
	if !bytes.Equal(digest[:], h.Digest[:]) {
		return ErrDigestMismatch
	}
	pub, err := lzcrypto.PubFromPEM(codeAuthorityPub)
	if err != nil {
		return fmt.Errorf("image: parsing code authority key: %w", err)
	}
	if err := lzcrypto.Verify(pub, h.SignedContent(), h.Signature); err != nil {
		return err
	}
	if !meta.Valid() {
		return ErrBadMetadata
	}
	if h.Version < meta.LastVersion || h.IssueTime < meta.LastIssueTime {
		return ErrRollback
	}
	return nil
}

// NextMetadata returns the watermark metadata to persist after h has
// been successfully verified and installed.
func NextMetadata(h *Header) datastore.ImageMetadata {
	return datastore.ImageMetadata{
		Magic:         datastore.Magic,
		LastVersion:   h.Version,
		LastIssueTime: h.IssueTime,
	}
}
