// Package bootparams defines the fixed-address RAM structure the
// pre-boot stage hands to this core (magic, cdi_prime, dev_uuid,
// core_auth, cur_nonce, next_nonce, static_symm, initial_boot) and the
// next-layer variant this core hands onward after provisioning.
//
// Both are packed, fixed-endian byte records read and written through
// pkg/flashmem's bounds-checked Region, the same "parse-in-place after a
// bounds/magic check" discipline pkg/image and pkg/staging use for their
// own externally-produced headers -- this structure, too, is produced and
// consumed by a process outside this one (the pre-boot stage on the way
// in, the next layer on the way out), so it must be parsed byte for byte
// rather than through encoding/json.
package bootparams

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.lazarusboot.dev/lzcore/pkg/flashmem"
	"go.lazarusboot.dev/lzcore/pkg/zeroize"
)

// Magic marks a valid boot-parameter window.
const Magic uint32 = 0x4C5A4250 // "LZBP"

const (
	CDIPrimeSize   = 32
	CoreAuthSize   = 32
	DevUUIDSize    = 16
	StaticSymmSize = 32
)

// WireSize is the total size of the packed input boot-parameter window:
// magic, cdi_prime, dev_uuid, core_auth, cur_nonce, next_nonce,
// static_symm, initial_boot -- the field order the pre-boot stage
// writes; both sides must agree on it byte for byte.
const WireSize = 4 + CDIPrimeSize + DevUUIDSize + CoreAuthSize + 4 + 4 + StaticSymmSize + 1

// field offsets within the wire layout, exported so callers (the boot
// mode selector's housekeeping step) can zero exactly the secret fields
// in place without re-encoding the whole structure.
const (
	OffsetMagic      = 0
	OffsetCDIPrime   = OffsetMagic + 4
	OffsetDevUUID    = OffsetCDIPrime + CDIPrimeSize
	OffsetCoreAuth   = OffsetDevUUID + DevUUIDSize
	OffsetCurNonce   = OffsetCoreAuth + CoreAuthSize
	OffsetNextNonce  = OffsetCurNonce + 4
	OffsetStaticSymm = OffsetNextNonce + 4
	OffsetInitBoot   = OffsetStaticSymm + StaticSymmSize
)

var ErrBadMagic = errors.New("bootparams: magic mismatch")

// Params is the decoded input boot-parameter window.
type Params struct {
	Magic       uint32
	CDIPrime    []byte
	DevUUID     []byte
	CoreAuth    []byte
	CurNonce    uint32
	NextNonce   uint32
	StaticSymm  []byte
	InitialBoot bool
}

// Valid reports whether the window carries the expected magic, the
// window's sole validity invariant.
func (p *Params) Valid() bool {
	return p != nil && p.Magic == Magic
}

// Decode parses a Params from the front of buf.
func Decode(buf []byte) (*Params, error) {
	if len(buf) < WireSize {
		return nil, fmt.Errorf("bootparams: short buffer decoding window: have %d, want %d", len(buf), WireSize)
	}
	p := &Params{
		Magic:      binary.BigEndian.Uint32(buf[OffsetMagic : OffsetMagic+4]),
		CDIPrime:   append([]byte(nil), buf[OffsetCDIPrime:OffsetCDIPrime+CDIPrimeSize]...),
		DevUUID:    append([]byte(nil), buf[OffsetDevUUID:OffsetDevUUID+DevUUIDSize]...),
		CoreAuth:   append([]byte(nil), buf[OffsetCoreAuth:OffsetCoreAuth+CoreAuthSize]...),
		CurNonce:   binary.BigEndian.Uint32(buf[OffsetCurNonce : OffsetCurNonce+4]),
		NextNonce:  binary.BigEndian.Uint32(buf[OffsetNextNonce : OffsetNextNonce+4]),
		StaticSymm: append([]byte(nil), buf[OffsetStaticSymm:OffsetStaticSymm+StaticSymmSize]...),
	}
	p.InitialBoot = buf[OffsetInitBoot] != 0
	return p, nil
}

// Encode serializes p to its wire layout, padded/truncated to fixed
// field widths.
func Encode(p *Params) []byte {
	buf := make([]byte, WireSize)
	binary.BigEndian.PutUint32(buf[OffsetMagic:], p.Magic)
	copy(buf[OffsetCDIPrime:OffsetCDIPrime+CDIPrimeSize], p.CDIPrime)
	copy(buf[OffsetDevUUID:OffsetDevUUID+DevUUIDSize], p.DevUUID)
	copy(buf[OffsetCoreAuth:OffsetCoreAuth+CoreAuthSize], p.CoreAuth)
	binary.BigEndian.PutUint32(buf[OffsetCurNonce:], p.CurNonce)
	binary.BigEndian.PutUint32(buf[OffsetNextNonce:], p.NextNonce)
	copy(buf[OffsetStaticSymm:OffsetStaticSymm+StaticSymmSize], p.StaticSymm)
	if p.InitialBoot {
		buf[OffsetInitBoot] = 1
	}
	return buf
}

// Read decodes the boot-parameter window from region, validating magic.
func Read(region *flashmem.Region) (*Params, error) {
	raw, err := region.ReadAt(0, WireSize)
	if err != nil {
		return nil, fmt.Errorf("bootparams: reading window: %w", err)
	}
	p, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if !p.Valid() {
		return nil, ErrBadMagic
	}
	return p, nil
}

// DeviceUUID parses dev_uuid as a github.com/google/uuid value, the
// human-readable form used in log output and the demo harness; dev_uuid's
// 16-byte width was chosen to match RFC 4122, so this never truncates or
// pads.
func (p *Params) DeviceUUID() (uuid.UUID, error) {
	return uuid.FromBytes(p.DevUUID)
}

// StaticSymmZeroed reports whether the static_symm field is all-zero --
// the state it must be in on any boot after the first.
func (p *Params) StaticSymmZeroed() bool {
	for _, b := range p.StaticSymm {
		if b != 0 {
			return false
		}
	}
	return true
}

// WipeStaticSymm zeroes static_symm in region in place, leaving every
// other field untouched. Used during non-initial-boot housekeeping once
// the secret has been consumed (or found already absent).
func WipeStaticSymm(region *flashmem.Region) error {
	return region.Zero(OffsetStaticSymm, StaticSymmSize)
}

// ZeroizeSecrets destroys the in-RAM copy of every secret field
// (cdi_prime, core_auth, static_symm) after the derivations that need
// them have run. It never touches the backing flash region -- that is
// done separately by WipeWindow once the core is done reading from it.
func ZeroizeSecrets(p *Params) {
	zeroize.Bytes(p.CDIPrime)
	zeroize.Bytes(p.CoreAuth)
	zeroize.Bytes(p.StaticSymm)
}

// WipeWindow overwrites the entire input boot-parameter window with
// zero. This is the "zero the input window" half of the mandatory
// zero-then-write handoff ordering: the next-layer window and this
// window alias the same physical RAM, so nothing may be written to the
// region again after this call except the encoded next-layer params.
func WipeWindow(region *flashmem.Region) error {
	return region.Zero(0, region.Size())
}

// NextParams is the next-layer boot-parameter window this core builds
// during provisioning. Unlike Params it is not produced by an external
// party, so pkg/provision is free to populate only the fields its
// need-to-know table marks for the chosen boot mode and leave the rest
// at their zero value; NextEncode below still writes every field, the
// absent ones as zero values or zero-length entries, so the field order
// of the record does not depend on the boot mode.
type NextParams struct {
	AliasIDPubPEM             []byte
	AliasIDPrivPEM            []byte
	DevUUID                   []byte
	CurNonce                  uint32
	NextNonce                 uint32
	DevAuth                   [32]byte
	NwData                    []byte
	DevReassociationNecessary bool
	FirmwareUpdateNecessary   bool
}

// NextEncode serializes n as a length-prefixed record: every
// variable-length field is preceded by its big-endian uint32 length, so
// the next layer can parse it without a fixed maximum PEM size.
func NextEncode(n *NextParams) []byte {
	buf := make([]byte, 0, 256)
	buf = appendLP(buf, n.AliasIDPubPEM)
	buf = appendLP(buf, n.AliasIDPrivPEM)
	buf = appendLP(buf, n.DevUUID)
	buf = appendU32(buf, n.CurNonce)
	buf = appendU32(buf, n.NextNonce)
	buf = append(buf, n.DevAuth[:]...)
	buf = appendLP(buf, n.NwData)
	buf = appendBool(buf, n.DevReassociationNecessary)
	buf = appendBool(buf, n.FirmwareUpdateNecessary)
	return buf
}

// NextDecode parses a NextParams previously serialized by NextEncode.
func NextDecode(buf []byte) (*NextParams, error) {
	n := &NextParams{}
	var err error
	if n.AliasIDPubPEM, buf, err = takeLP(buf); err != nil {
		return nil, err
	}
	if n.AliasIDPrivPEM, buf, err = takeLP(buf); err != nil {
		return nil, err
	}
	if n.DevUUID, buf, err = takeLP(buf); err != nil {
		return nil, err
	}
	if len(buf) < 8 {
		return nil, fmt.Errorf("bootparams: short buffer decoding nonces")
	}
	n.CurNonce = binary.BigEndian.Uint32(buf[0:4])
	n.NextNonce = binary.BigEndian.Uint32(buf[4:8])
	buf = buf[8:]
	if len(buf) < 32 {
		return nil, fmt.Errorf("bootparams: short buffer decoding dev_auth")
	}
	copy(n.DevAuth[:], buf[:32])
	buf = buf[32:]
	if n.NwData, buf, err = takeLP(buf); err != nil {
		return nil, err
	}
	if len(buf) < 2 {
		return nil, fmt.Errorf("bootparams: short buffer decoding flags")
	}
	n.DevReassociationNecessary = buf[0] != 0
	n.FirmwareUpdateNecessary = buf[1] != 0
	return n, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendLP(buf, data []byte) []byte {
	buf = appendU32(buf, uint32(len(data)))
	return append(buf, data...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func takeLP(buf []byte) (data, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("bootparams: short buffer decoding length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("bootparams: length-prefixed field exceeds buffer: want %d, have %d", n, len(buf))
	}
	return append([]byte(nil), buf[:n]...), buf[n:], nil
}
