// Package datastore implements the persistent data store: trust anchors
// (management/code-authority/DeviceID public keys and the device
// certificate bag), config data (optional network credentials, the
// one-time static_symm provisioning secret, and per-image anti-rollback
// metadata).
//
// Every write is a full-structure rewrite of a RAM copy onto flash (see
// pkg/flashmem), never a partial patch -- the "either old or new"
// discipline from the flash-region contract. The persistence encoding
// itself uses encoding/json: unlike the image header and staging element
// header, nothing outside this process ever has to parse a data-store
// record byte for byte, so there is no cross-component wire-format
// requirement forcing a packed layout here.
package datastore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"go.lazarusboot.dev/lzcore/pkg/certbag"
	"go.lazarusboot.dev/lzcore/pkg/flashmem"
)

// Magic marks every lzcore structure as initialized.
const Magic uint32 = 0x4C5A4352 // "LZCR"

const (
	trustAnchorsOffset  = 0
	trustAnchorsMaxSize = 16 * 1024
	configDataOffset    = trustAnchorsMaxSize
	configDataMaxSize   = 16 * 1024

	// Size is the total data-store region size this package expects.
	Size = trustAnchorsMaxSize + configDataMaxSize
)

var (
	ErrNotProvisioned = errors.New("datastore: record not provisioned (erased)")
	ErrBadMagic       = errors.New("datastore: magic mismatch")
	ErrRecordTooLarge = errors.New("datastore: encoded record exceeds reserved slot size")
)

// ImageSlot names one of the images this core tracks anti-rollback
// metadata for. Note core itself is excluded: the core does not persist
// metadata about its own image, since this core never installs
// LZ_CORE_UPDATE itself: the update only switches the boot into the
// core-patcher, which is the layer that owns the core region.
type ImageSlot int

const (
	ImageSlotCorePatcher ImageSlot = iota
	ImageSlotUpdateDownloader
	ImageSlotApp
)

func (s ImageSlot) String() string {
	switch s {
	case ImageSlotCorePatcher:
		return "CPATCHER"
	case ImageSlotUpdateDownloader:
		return "UDOWNLOADER"
	case ImageSlotApp:
		return "APP"
	default:
		return fmt.Sprintf("ImageSlot(%d)", int(s))
	}
}

// ImageMetadata is the anti-rollback record kept per tracked image.
type ImageMetadata struct {
	Magic         uint32 `json:"magic"`
	LastVersion   uint32 `json:"last_version"`
	LastIssueTime int64  `json:"last_issue_time"`
}

// Valid reports whether the metadata record carries the expected magic.
func (m ImageMetadata) Valid() bool { return m.Magic == Magic }

// TrustAnchors is the persistent trust record: the three long-lived
// public keys this core verifies everything against, plus the device
// certificate bag (hub cert and DeviceID cert).
type TrustAnchors struct {
	Magic             uint32        `json:"magic"`
	DeviceIDPub       []byte        `json:"device_id_pub_pem"`
	ManagementPub     []byte        `json:"management_pub_pem"`
	CodeAuthorityPub  []byte        `json:"code_authority_pub_pem"`
	CertBag           *certbag.Bag  `json:"cert_bag"`
}

// Valid reports whether the trust anchors record carries the expected
// magic and its certificate bag passes its own bounds invariant.
func (t *TrustAnchors) Valid() bool {
	if t == nil || t.Magic != Magic {
		return false
	}
	if t.CertBag == nil {
		return false
	}
	return t.CertBag.Validate() == nil
}

// StaticSymmInfo carries the one-time provisioning secret shipped in the
// initial boot parameters. It must read back all-zero on any boot after
// the first.
type StaticSymmInfo struct {
	Magic      uint32 `json:"magic"`
	StaticSymm []byte `json:"static_symm"`
	DevUUID    []byte `json:"dev_uuid"`
}

// NetworkInfo is the optional, persisted network configuration handed to
// layers that need-to-know it (UDOWNLOADER).
type NetworkInfo struct {
	Present bool   `json:"present"`
	Blob    []byte `json:"blob"`
}

// ConfigData is the second persistent record: optional network
// credentials, the static_symm lifecycle record, and per-image
// anti-rollback metadata.
type ConfigData struct {
	NwInfo             *NetworkInfo                `json:"nw_info,omitempty"`
	StaticSymmInfo     StaticSymmInfo              `json:"static_symm_info"`
	ImgInfo            map[ImageSlot]ImageMetadata `json:"img_info"`
	DeviceIDReassocRes []byte                      `json:"device_id_reassoc_res,omitempty"`
}

// StaticSymmZeroed reports whether the static_symm field is all-zero.
func (c *ConfigData) StaticSymmZeroed() bool {
	for _, b := range c.StaticSymmInfo.StaticSymm {
		if b != 0 {
			return false
		}
	}
	return true
}

// DataStore wraps the flash region holding the trust anchors and config
// data records.
type DataStore struct {
	region *flashmem.Region
}

// Open wraps an already-opened data-store flash region.
func Open(region *flashmem.Region) *DataStore {
	return &DataStore{region: region}
}

// ReadTrustAnchors reads and decodes the trust anchors record. It
// returns ErrNotProvisioned if the slot is still in the erased state.
func (ds *DataStore) ReadTrustAnchors() (*TrustAnchors, error) {
	raw, err := ds.region.ReadAt(trustAnchorsOffset, trustAnchorsMaxSize)
	if err != nil {
		return nil, fmt.Errorf("datastore: reading trust anchors: %w", err)
	}
	if isErased(raw) {
		return nil, ErrNotProvisioned
	}
	raw = trimTrailingZero(raw)
	var ta TrustAnchors
	if err := json.Unmarshal(raw, &ta); err != nil {
		return nil, fmt.Errorf("datastore: decoding trust anchors: %w", err)
	}
	if ta.Magic != Magic {
		return nil, ErrBadMagic
	}
	return &ta, nil
}

// WriteTrustAnchors encodes and writes the trust anchors record as a
// single full-structure write.
func (ds *DataStore) WriteTrustAnchors(ta *TrustAnchors) error {
	buf, err := json.Marshal(ta)
	if err != nil {
		return fmt.Errorf("datastore: encoding trust anchors: %w", err)
	}
	if len(buf) > trustAnchorsMaxSize {
		return ErrRecordTooLarge
	}
	padded := make([]byte, trustAnchorsMaxSize)
	copy(padded, buf)
	return ds.region.Write(trustAnchorsOffset, padded)
}

// ReadConfigData reads and decodes the config data record. An erased
// slot decodes as a zero-value ConfigData with an empty ImgInfo map,
// since there is no separate "unprovisioned" state for config data: it
// is always written during first-boot housekeeping, before the trust
// anchors are written later in the same boot.
func (ds *DataStore) ReadConfigData() (*ConfigData, error) {
	raw, err := ds.region.ReadAt(configDataOffset, configDataMaxSize)
	if err != nil {
		return nil, fmt.Errorf("datastore: reading config data: %w", err)
	}
	if isErased(raw) {
		return &ConfigData{ImgInfo: make(map[ImageSlot]ImageMetadata)}, nil
	}
	raw = trimTrailingZero(raw)
	var cd ConfigData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, fmt.Errorf("datastore: decoding config data: %w", err)
	}
	if cd.ImgInfo == nil {
		cd.ImgInfo = make(map[ImageSlot]ImageMetadata)
	}
	return &cd, nil
}

// WriteConfigData encodes and writes the config data record as a single
// full-structure write.
func (ds *DataStore) WriteConfigData(cd *ConfigData) error {
	buf, err := json.Marshal(cd)
	if err != nil {
		return fmt.Errorf("datastore: encoding config data: %w", err)
	}
	if len(buf) > configDataMaxSize {
		return ErrRecordTooLarge
	}
	padded := make([]byte, configDataMaxSize)
	copy(padded, buf)
	return ds.region.Write(configDataOffset, padded)
}

// Erase wipes both records back to the erased pattern (first-boot
// housekeeping).
func (ds *DataStore) Erase() error {
	return ds.region.Erase()
}

func isErased(b []byte) bool {
	for _, v := range b {
		if v != flashmem.ErasedByte {
			return false
		}
	}
	return true
}

// trimTrailingZero strips the zero padding a fixed-size slot was padded
// with after its JSON encoding, so json.Unmarshal doesn't choke on
// trailing garbage.
func trimTrailingZero(b []byte) []byte {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return b
	}
	return b[:i]
}
