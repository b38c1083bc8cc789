// Package provision implements the Next-Layer Provisioner: it builds the
// next-layer boot-parameter window according to a strict need-to-know
// policy keyed by the chosen boot mode, and assembles and writes the
// volatile next-layer image certificate store. The window is built up as
// a structured bundle in memory and then handed off whole, never mutated
// in place field by field.
package provision

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.lazarusboot.dev/lzcore/pkg/bootparams"
	"go.lazarusboot.dev/lzcore/pkg/certbag"
	"go.lazarusboot.dev/lzcore/pkg/certstore"
	"go.lazarusboot.dev/lzcore/pkg/flashmem"
	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

// Mode is the boot mode chosen by the boot mode selector. It lives here,
// not in pkg/bootmode, because the need-to-know table this package
// implements is keyed directly off it and pkg/bootmode already depends
// on pkg/provision for the handoff step.
type Mode int

const (
	ModeCPatcher Mode = iota
	ModeUDownloader
	ModeApp
)

func (m Mode) String() string {
	switch m {
	case ModeCPatcher:
		return "CPATCHER"
	case ModeUDownloader:
		return "UDOWNLOADER"
	case ModeApp:
		return "APP"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var ErrWindowTooSmall = errors.New("provision: encoded next-layer params do not fit the handoff window")

// Inputs bundles everything the provisioner needs to build the
// next-layer window for a given mode, read once from the identity
// derivation and boot-parameter steps that ran earlier in the boot.
type Inputs struct {
	AliasID                   *lzcrypto.KeyPair
	DevUUID                   []byte
	CurNonce                  uint32
	NextNonce                 uint32
	DevAuth                   [32]byte
	NwData                    []byte
	DevReassociationNecessary bool
	FirmwareUpdateNecessary   bool
}

// BuildNextParams populates exactly the fields the need-to-know policy
// grants to mode and leaves every other field at its zero value.
func BuildNextParams(mode Mode, in Inputs) (*bootparams.NextParams, error) {
	pub, err := lzcrypto.PubToPEM(in.AliasID)
	if err != nil {
		return nil, fmt.Errorf("provision: encoding AliasID public key: %w", err)
	}
	priv, err := lzcrypto.PrivToPEM(in.AliasID)
	if err != nil {
		return nil, fmt.Errorf("provision: encoding AliasID private key: %w", err)
	}

	n := &bootparams.NextParams{
		AliasIDPubPEM:  pub,
		AliasIDPrivPEM: priv,
		DevUUID:        append([]byte(nil), in.DevUUID...),
	}

	switch mode {
	case ModeApp:
		n.NextNonce = in.NextNonce
	case ModeUDownloader:
		n.NextNonce = in.NextNonce
		n.CurNonce = in.CurNonce
		n.DevAuth = in.DevAuth
		n.DevReassociationNecessary = in.DevReassociationNecessary
		n.FirmwareUpdateNecessary = in.FirmwareUpdateNecessary
		n.NwData = append([]byte(nil), in.NwData...)
	case ModeCPatcher:
		n.CurNonce = in.CurNonce
		n.DevAuth = in.DevAuth
		n.DevReassociationNecessary = in.DevReassociationNecessary
		n.FirmwareUpdateNecessary = in.FirmwareUpdateNecessary
	default:
		return nil, fmt.Errorf("provision: unknown mode %v", mode)
	}
	return n, nil
}

// WriteNextParams stages n in memory, then zeroes the handoff window,
// then writes the encoded copy -- in that order. The ordering is
// mandatory: the input boot-parameter window and the
// next-layer window alias the same physical RAM on real hardware, and
// in this model they are the same *flashmem.Region. Zeroing after the
// write would destroy the record just written, and writing without
// zeroing would leave input-window bytes (CDI, core_auth, static_symm)
// behind wherever the encoded record does not cover them.
func WriteNextParams(window *flashmem.Region, n *bootparams.NextParams) error {
	encoded := bootparams.NextEncode(n)
	if len(encoded) > window.Size() {
		return ErrWindowTooSmall
	}
	if err := bootparams.WipeWindow(window); err != nil {
		return fmt.Errorf("provision: wiping handoff window: %w", err)
	}
	if err := window.Write(0, encoded); err != nil {
		return fmt.Errorf("provision: writing next-layer params: %w", err)
	}
	return nil
}

// BuildCertStore assembles the volatile next-layer certificate store:
// hub certificate (if present), DeviceID certificate, and a freshly
// issued AliasID certificate, via pkg/certstore.
func BuildCertStore(hubCertPEM, deviceIDCertPEM []byte, deviceID, aliasID *lzcrypto.KeyPair) (*certbag.Bag, error) {
	return certstore.BuildImageCertStore(hubCertPEM, deviceIDCertPEM, deviceID, aliasID)
}

// WriteCertStore encodes bag and writes it to the (separate) volatile
// image-certificate-store region handed to the next layer.
func WriteCertStore(region *flashmem.Region, bag *certbag.Bag) error {
	buf, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("provision: encoding cert store: %w", err)
	}
	if len(buf) > region.Size() {
		return ErrWindowTooSmall
	}
	padded := make([]byte, region.Size())
	copy(padded, buf)
	return region.Write(0, padded)
}

// ReadCertStore decodes a certificate store previously written by
// WriteCertStore -- used by tests to inspect what was handed to the
// next layer.
func ReadCertStore(region *flashmem.Region) (*certbag.Bag, error) {
	raw, err := region.ReadAt(0, region.Size())
	if err != nil {
		return nil, err
	}
	var bag certbag.Bag
	if err := json.Unmarshal(trimTrailingZero(raw), &bag); err != nil {
		return nil, fmt.Errorf("provision: decoding cert store: %w", err)
	}
	if bag.Table == nil {
		bag.Table = make(map[certbag.Slot]certbag.Entry)
	}
	return &bag, nil
}

func trimTrailingZero(b []byte) []byte {
	for i, v := range b {
		if v == 0 {
			return b[:i]
		}
	}
	return b
}
