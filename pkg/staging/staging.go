// Package staging implements the Staging Scanner/Verifier: a linear walk
// over an append-only flash region of (signed header, payload) records,
// and the five ordered checks an element must pass before it is
// admitted.
//
// The header is a fixed, packed binary layout -- unlike the data-store
// records in pkg/datastore, a staging header is produced by an external
// management tool and must be parsed byte for byte, so encoding/binary
// replaces JSON here. The ECDSA signature is ASN.1 DER and therefore
// variable-length, so the header carries an explicit length-prefixed
// trailer rather than a fixed-size array.
package staging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

// Magic marks a structurally present staging header.
const Magic uint32 = 0x4C5A4352 // "LZCR", the sentinel shared by every lzcore structure

// ElementType enumerates the kinds of staging element the management
// service may write.
type ElementType uint32

const (
	ElementBootTicket ElementType = iota + 1
	ElementDeferralTicket
	ElementCoreUpdate
	ElementUDownloaderUpdate
	ElementCPatcherUpdate
	ElementAppUpdate
	ElementConfigUpdate
	ElementDeviceIDReassocRes
)

func (t ElementType) String() string {
	switch t {
	case ElementBootTicket:
		return "BOOT_TICKET"
	case ElementDeferralTicket:
		return "DEFERRAL_TICKET"
	case ElementCoreUpdate:
		return "LZ_CORE_UPDATE"
	case ElementUDownloaderUpdate:
		return "LZ_UDOWNLOADER_UPDATE"
	case ElementCPatcherUpdate:
		return "LZ_CPATCHER_UPDATE"
	case ElementAppUpdate:
		return "APP_UPDATE"
	case ElementConfigUpdate:
		return "CONFIG_UPDATE"
	case ElementDeviceIDReassocRes:
		return "DEVICE_ID_REASSOC_RES"
	default:
		return fmt.Sprintf("ElementType(%d)", uint32(t))
	}
}

// IsStandardUpdate reports whether t is one of the types the Update
// Applier installs directly (as opposed to a ticket, or the core update
// that the selector alone may act on).
func (t ElementType) IsStandardUpdate() bool {
	switch t {
	case ElementUDownloaderUpdate, ElementCPatcherUpdate, ElementAppUpdate,
		ElementConfigUpdate, ElementDeviceIDReassocRes:
		return true
	default:
		return false
	}
}

// fixedHeaderSize is the size of every field up to and including the
// signature length prefix; the signature bytes follow immediately after.
const fixedHeaderSize = 4 + 4 + 4 + 32 + 4 + 4

// Header is the packed layout of one staging element's authenticated
// header, as written to flash by the management service.
type Header struct {
	Magic       uint32
	Type        ElementType
	PayloadSize uint32
	Digest      [32]byte
	Nonce       uint32
	Signature   []byte
}

// WireSize returns the number of bytes h occupies on the wire, including
// the variable-length signature trailer.
func (h *Header) WireSize() int {
	return fixedHeaderSize + len(h.Signature)
}

// SignedContent returns the header bytes the signature is computed
// over: everything except the signature length and bytes. Exported so
// the tool that issues a staging element can compute a signature over
// exactly the bytes Verify checks.
func (h *Header) SignedContent() []byte {
	buf := make([]byte, 0, fixedHeaderSize-4)
	buf = appendU32(buf, h.Magic)
	buf = appendU32(buf, uint32(h.Type))
	buf = appendU32(buf, h.PayloadSize)
	buf = append(buf, h.Digest[:]...)
	buf = appendU32(buf, h.Nonce)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// Encode serializes h to its wire layout.
func (h *Header) Encode() []byte {
	buf := h.SignedContent()
	buf = appendU32(buf, uint32(len(h.Signature)))
	buf = append(buf, h.Signature...)
	return buf
}

// DecodeHeader parses a Header from the front of buf, returning the
// number of bytes consumed. It does not validate magic or any other
// field; callers run Verify for that.
func DecodeHeader(buf []byte) (*Header, int, error) {
	if len(buf) < fixedHeaderSize {
		return nil, 0, fmt.Errorf("staging: short buffer decoding header: have %d, want at least %d", len(buf), fixedHeaderSize)
	}
	h := &Header{
		Magic:       binary.BigEndian.Uint32(buf[0:4]),
		Type:        ElementType(binary.BigEndian.Uint32(buf[4:8])),
		PayloadSize: binary.BigEndian.Uint32(buf[8:12]),
	}
	copy(h.Digest[:], buf[12:44])
	h.Nonce = binary.BigEndian.Uint32(buf[44:48])
	sigLen := int(binary.BigEndian.Uint32(buf[48:52]))
	if sigLen < 0 || fixedHeaderSize+sigLen > len(buf) {
		return nil, 0, fmt.Errorf("staging: signature length %d out of bounds", sigLen)
	}
	h.Signature = append([]byte(nil), buf[fixedHeaderSize:fixedHeaderSize+sigLen]...)
	return h, fixedHeaderSize + sigLen, nil
}

var (
	ErrBadMagic       = errors.New("staging: magic mismatch")
	ErrEmptyPayload   = errors.New("staging: zero payload size")
	ErrDigestMismatch = errors.New("staging: payload digest mismatch")
	ErrStaleNonce     = errors.New("staging: nonce does not match the current boot epoch")
	ErrNotFound       = errors.New("staging: no element of the requested type")
)

// Verify runs the five admission checks, in order: magic, non-zero
// payload size, digest match, nonce freshness, then signature. All five
// must pass; the first failure's error is returned.
func Verify(h *Header, payload []byte, curNonce uint32, managementPub []byte) error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.PayloadSize == 0 {
		return ErrEmptyPayload
	}
	digest := lzcrypto.SHA256(payload)
	if !bytes.Equal(digest[:], h.Digest[:]) {
		return ErrDigestMismatch
	}
	if h.Nonce != curNonce {
		return ErrStaleNonce
	}
	pub, err := lzcrypto.PubFromPEM(managementPub)
	if err != nil {
		return fmt.Errorf("staging: parsing management key: %w", err)
	}
	if err := lzcrypto.Verify(pub, h.SignedContent(), h.Signature); err != nil {
		return err
	}
	return nil
}

// Element is one decoded (header, payload) pair located at Offset in the
// staging region.
type Element struct {
	Header  Header
	Payload []byte
	Offset  int
}

// Scan walks region from offset 0 while the current header's magic
// matches, returning every structurally present element: it does not
// verify signatures, nonce, or digest. The walk stops at the first
// header whose magic mismatches (the erased tail, or corruption) or
// whose declared sizes would run past the end of region.
func Scan(region []byte) []Element {
	var elements []Element
	offset := 0
	for offset < len(region) {
		h, consumed, err := DecodeHeader(region[offset:])
		if err != nil {
			break
		}
		if h.Magic != Magic {
			break
		}
		payloadStart := offset + consumed
		payloadEnd := payloadStart + int(h.PayloadSize)
		if payloadEnd > len(region) {
			break
		}
		elements = append(elements, Element{
			Header:  *h,
			Payload: region[payloadStart:payloadEnd],
			Offset:  offset,
		})
		offset = payloadEnd
	}
	return elements
}

// HasElementType reports whether any scanned element carries type t,
// without verifying it. Diagnostics only: it must never back an
// admission decision.
func HasElementType(elements []Element, t ElementType) (Element, bool) {
	for _, e := range elements {
		if e.Header.Type == t {
			return e, true
		}
	}
	return Element{}, false
}

// HasValidElement looks up the first element of type t and runs Verify
// against it. Only this variant may back a decision that admits an
// element's effect.
func HasValidElement(elements []Element, t ElementType, curNonce uint32, managementPub []byte) (Element, error) {
	e, ok := HasElementType(elements, t)
	if !ok {
		return Element{}, ErrNotFound
	}
	if err := Verify(&e.Header, e.Payload, curNonce, managementPub); err != nil {
		return Element{}, err
	}
	return e, nil
}
