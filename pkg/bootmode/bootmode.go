// Package bootmode implements the Boot Mode Selector: the single Run
// entry point that reads boot parameters, derives identity, performs
// one-shot housekeeping, scans and applies staging, verifies the
// candidate next-layer image, provisions the next-layer handoff, arms
// the watchdog, and returns the chosen boot mode. The whole decision is
// a fixed sequence of steps, returning early on any unrecoverable error
// wrapped in the one ErrFatal sentinel.
package bootmode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.lazarusboot.dev/lzcore/pkg/bootparams"
	"go.lazarusboot.dev/lzcore/pkg/certbag"
	"go.lazarusboot.dev/lzcore/pkg/certstore"
	"go.lazarusboot.dev/lzcore/pkg/datastore"
	"go.lazarusboot.dev/lzcore/pkg/flashmem"
	"go.lazarusboot.dev/lzcore/pkg/identity"
	"go.lazarusboot.dev/lzcore/pkg/image"
	"go.lazarusboot.dev/lzcore/pkg/log"
	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
	"go.lazarusboot.dev/lzcore/pkg/provision"
	"go.lazarusboot.dev/lzcore/pkg/staging"
	"go.lazarusboot.dev/lzcore/pkg/updater"
	"go.lazarusboot.dev/lzcore/pkg/watchdog"
	"go.lazarusboot.dev/lzcore/pkg/zeroize"
	"go.uber.org/zap"
)

// Mode is the boot mode decision handed back to the caller; it is an
// alias of provision.Mode since the need-to-know table in pkg/provision
// is keyed directly off the same value.
type Mode = provision.Mode

const (
	ModeCPatcher    = provision.ModeCPatcher
	ModeUDownloader = provision.ModeUDownloader
	ModeApp         = provision.ModeApp
)

// ErrFatal wraps every unrecoverable boot failure: invalid boot
// parameters, a failed identity derivation or housekeeping step, a
// failed core-patcher/update-downloader image verification, or a failed
// update application. The caller's only correct response is to halt and
// let the external watchdog (if already armed from a prior boot)
// eventually reset the device.
var ErrFatal = errors.New("bootmode: fatal boot failure")

// ErrUnprovisioned is returned when the trust anchors or any of the four
// tracked image headers lack the expected magic. The caller's only
// correct response is to block indefinitely awaiting provisioning.
var ErrUnprovisioned = errors.New("bootmode: device not provisioned")

func fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Images names the four flash regions whose headers gate
// provisioning-completeness and which the update applier and image
// verifier read from.
type Images struct {
	Core             *flashmem.Region
	CorePatcher      *flashmem.Region
	UpdateDownloader *flashmem.Region
	App              *flashmem.Region
}

// Config bundles every region and collaborator one boot-decision run
// needs.
type Config struct {
	// BootParamsWindow is read once at entry as the input boot
	// parameters and, later in the same run, zeroed and overwritten
	// with the next-layer boot parameters -- the two alias the same
	// physical RAM.
	BootParamsWindow *flashmem.Region
	// CertStoreWindow is the separate volatile region the next-layer
	// image certificate store is written to.
	CertStoreWindow *flashmem.Region
	DataStore       *datastore.DataStore
	Staging         *flashmem.Region
	Images          Images
	Watchdog        watchdog.Armer
	// DefaultDeferralSeconds is the watchdog window armed when staging
	// holds no valid DEFERRAL_TICKET. Zero means
	// watchdog.DefaultTimeoutSeconds.
	DefaultDeferralSeconds int
}

// Run executes one full boot decision and returns the chosen mode. A
// returned error wrapping ErrFatal means halt; one wrapping
// ErrUnprovisioned means block indefinitely; any other error is a
// programming/configuration defect in the caller's Config.
func Run(cfg *Config) (Mode, error) {
	l := log.L()

	params, err := bootparams.Read(cfg.BootParamsWindow)
	if err != nil {
		l.Error("reading boot parameters", zap.Error(err))
		return 0, fatal(err)
	}
	defer bootparams.ZeroizeSecrets(params)

	if devUUID, err := params.DeviceUUID(); err == nil {
		l.Info("boot decision starting", zap.String("dev_uuid", devUUID.String()))
	}

	deviceID, err := identity.DeriveDeviceID(params.CDIPrime)
	if err != nil {
		return 0, fatal(fmt.Errorf("deriving DeviceID: %w", err))
	}
	deviceIDPubPEM, err := lzcrypto.PubToPEM(deviceID)
	if err != nil {
		return 0, fatal(fmt.Errorf("encoding DeviceID public key: %w", err))
	}
	deviceIDPrivPEM, err := lzcrypto.PrivToPEM(deviceID)
	if err != nil {
		return 0, fatal(fmt.Errorf("encoding DeviceID private key: %w", err))
	}
	defer zeroize.Bytes(deviceIDPrivPEM)

	if err := housekeeping(cfg, params); err != nil {
		return 0, fatal(fmt.Errorf("housekeeping: %w", err))
	}

	ta, identityChanged, err := reconcileIdentity(cfg, deviceID, deviceIDPubPEM)
	if err != nil {
		return 0, fatal(fmt.Errorf("reconciling identity: %w", err))
	}

	if !provisioningComplete(ta, cfg.Images) {
		l.Info("device not provisioned, blocking")
		return 0, ErrUnprovisioned
	}

	mode, firmwareUpdateNecessary, hdr, err := decideMode(l, cfg, ta, params)
	if err != nil {
		return 0, err
	}

	aliasID, err := identity.DeriveAliasID(hdr.Digest, deviceIDPrivPEM)
	if err != nil {
		return 0, fatal(fmt.Errorf("deriving AliasID: %w", err))
	}

	if err := handoff(cfg, ta, params, deviceID, deviceIDPubPEM, aliasID, mode, identityChanged, firmwareUpdateNecessary); err != nil {
		return 0, fatal(fmt.Errorf("provisioning next layer: %w", err))
	}

	l.Info("boot decision complete", zap.Stringer("mode", mode))
	return mode, nil
}

// housekeeping performs the one-shot, boot-classification-gated steps:
// erase + seed on the first boot, wipe static_symm on every later boot.
func housekeeping(cfg *Config, params *bootparams.Params) error {
	l := log.L()
	if params.InitialBoot {
		l.Info("initial boot: erasing data store and staging area")
		if err := cfg.DataStore.Erase(); err != nil {
			return fmt.Errorf("erasing data store: %w", err)
		}
		if err := cfg.Staging.Erase(); err != nil {
			return fmt.Errorf("erasing staging area: %w", err)
		}
		cd, err := cfg.DataStore.ReadConfigData()
		if err != nil {
			return fmt.Errorf("reading freshly-erased config data: %w", err)
		}
		cd.StaticSymmInfo = datastore.StaticSymmInfo{
			Magic:      datastore.Magic,
			StaticSymm: append([]byte(nil), params.StaticSymm...),
			DevUUID:    append([]byte(nil), params.DevUUID...),
		}
		for _, slot := range []datastore.ImageSlot{datastore.ImageSlotCorePatcher, datastore.ImageSlotUpdateDownloader, datastore.ImageSlotApp} {
			cd.ImgInfo[slot] = datastore.ImageMetadata{Magic: datastore.Magic}
		}
		if err := cfg.DataStore.WriteConfigData(cd); err != nil {
			return fmt.Errorf("writing seeded config data: %w", err)
		}
		return nil
	}

	zeroed, err := cfg.BootParamsWindow.IsZero(bootparams.OffsetStaticSymm, bootparams.StaticSymmSize)
	if err != nil {
		return fmt.Errorf("checking static_symm: %w", err)
	}
	if !zeroed {
		l.Info("wiping static_symm on non-initial boot")
		if err := bootparams.WipeStaticSymm(cfg.BootParamsWindow); err != nil {
			return fmt.Errorf("wiping static_symm: %w", err)
		}
	}

	// The persisted copy has the same lifecycle: static_symm lives on
	// flash only until the first non-initial boot reaches housekeeping.
	cd, err := cfg.DataStore.ReadConfigData()
	if err != nil {
		return fmt.Errorf("reading config data: %w", err)
	}
	if !cd.StaticSymmZeroed() {
		l.Info("wiping persisted static_symm on non-initial boot")
		zeroize.Bytes(cd.StaticSymmInfo.StaticSymm)
		if err := cfg.DataStore.WriteConfigData(cd); err != nil {
			return fmt.Errorf("persisting wiped static_symm: %w", err)
		}
	}
	return nil
}

// reconcileIdentity compares the freshly derived DeviceID public key
// against the one on record, issuing and persisting a new DeviceID
// certificate when they differ. A missing record counts as a change
// too: with no trusted prior identity there is no safe action short of
// reprovisioning, whether the record was never written or corrupted.
func reconcileIdentity(cfg *Config, deviceID *lzcrypto.KeyPair, deviceIDPubPEM []byte) (*datastore.TrustAnchors, bool, error) {
	l := log.L()
	ta, taErr := cfg.DataStore.ReadTrustAnchors()
	if taErr != nil && !errors.Is(taErr, datastore.ErrNotProvisioned) {
		l.Warn("trust anchors record unreadable, treating it as no prior identity", zap.Error(taErr))
	}

	changed := taErr != nil || !identity.PubKeysEqual(ta.DeviceIDPub, deviceIDPubPEM)
	if !changed {
		return ta, false, nil
	}

	l.Info("DeviceID changed since last boot, issuing CSR")
	bag := certbag.New()
	var mgmtPub, codeAuthPub []byte
	if taErr == nil {
		bag = ta.CertBag
		mgmtPub = ta.ManagementPub
		codeAuthPub = ta.CodeAuthorityPub
	}

	csrPEM, err := certstore.IssueDeviceIDCertificate(deviceID)
	if err != nil {
		return nil, false, fmt.Errorf("issuing DeviceID certificate: %w", err)
	}
	if err := bag.Put(certbag.SlotDeviceID, csrPEM); err != nil {
		return nil, false, fmt.Errorf("storing DeviceID certificate: %w", err)
	}

	newTA := &datastore.TrustAnchors{
		Magic:            datastore.Magic,
		DeviceIDPub:      deviceIDPubPEM,
		ManagementPub:    mgmtPub,
		CodeAuthorityPub: codeAuthPub,
		CertBag:          bag,
	}
	if err := cfg.DataStore.WriteTrustAnchors(newTA); err != nil {
		return nil, false, fmt.Errorf("writing trust anchors: %w", err)
	}
	return newTA, true, nil
}

// provisioningComplete reports whether the trust anchors and all four
// tracked image headers carry the expected magic.
func provisioningComplete(ta *datastore.TrustAnchors, images Images) bool {
	if !ta.Valid() {
		return false
	}
	for _, r := range []*flashmem.Region{images.Core, images.CorePatcher, images.UpdateDownloader, images.App} {
		hdr, _, err := readImageHeader(r)
		if err != nil || hdr.Magic != image.Magic {
			return false
		}
	}
	return true
}

func readImageHeader(region *flashmem.Region) (*image.Header, []byte, error) {
	raw, err := region.ReadAt(0, region.Size())
	if err != nil {
		return nil, nil, err
	}
	hdr, err := image.DecodeHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	return hdr, raw, nil
}

func regionAndSlot(images Images, mode Mode) (*flashmem.Region, datastore.ImageSlot) {
	switch mode {
	case ModeCPatcher:
		return images.CorePatcher, datastore.ImageSlotCorePatcher
	case ModeUDownloader:
		return images.UpdateDownloader, datastore.ImageSlotUpdateDownloader
	default:
		return images.App, datastore.ImageSlotApp
	}
}

// decideMode scans and applies staging, chooses a boot mode from the
// resulting pending updates and tickets, then verifies the chosen
// image, applying the dominance principle on a failed APP verification.
func decideMode(l log.Interface, cfg *Config, ta *datastore.TrustAnchors, params *bootparams.Params) (Mode, bool, *image.Header, error) {
	stagingRaw, err := cfg.Staging.ReadAt(0, cfg.Staging.Size())
	if err != nil {
		return 0, false, nil, fatal(fmt.Errorf("reading staging area: %w", err))
	}
	elements := staging.Scan(stagingRaw)

	mode := ModeUDownloader
	if len(elements) > 0 {
		var verified []staging.Element
		for _, e := range elements {
			if err := staging.Verify(&e.Header, e.Payload, params.CurNonce, ta.ManagementPub); err != nil {
				l.Warn("skipping invalid staging element", zap.Stringer("type", e.Header.Type), zap.Error(err))
				continue
			}
			verified = append(verified, e)
		}

		regions := updater.Regions{
			UpdateDownloader: cfg.Images.UpdateDownloader,
			CorePatcher:      cfg.Images.CorePatcher,
			App:              cfg.Images.App,
		}
		result, err := updater.Apply(verified, regions, cfg.DataStore)
		if err != nil {
			return 0, false, nil, fatal(fmt.Errorf("applying staged updates: %w", err))
		}

		switch {
		case result.CoreUpdatePending:
			mode = ModeCPatcher
		default:
			if _, err := staging.HasValidElement(elements, staging.ElementBootTicket, params.CurNonce, ta.ManagementPub); err == nil {
				mode = ModeApp
			}
		}
	}

	firmwareUpdateNecessary := false
	region, slot := regionAndSlot(cfg.Images, mode)
	hdr, _, verifyErr := verifyImage(cfg, region, slot, ta.CodeAuthorityPub)
	if verifyErr != nil {
		if mode != ModeApp {
			// Dominance principle: only the app layer's verification
			// failure is recoverable.
			return 0, false, nil, fatal(fmt.Errorf("verifying %v image: %w", mode, verifyErr))
		}
		l.Warn("app image verification failed, falling back to UDOWNLOADER", zap.Error(verifyErr))
		mode = ModeUDownloader
		firmwareUpdateNecessary = true
		region, slot = regionAndSlot(cfg.Images, mode)
		hdr, _, verifyErr = verifyImage(cfg, region, slot, ta.CodeAuthorityPub)
		if verifyErr != nil {
			return 0, false, nil, fatal(fmt.Errorf("verifying %v image: %w", mode, verifyErr))
		}
	}

	return mode, firmwareUpdateNecessary, hdr, nil
}

func verifyImage(cfg *Config, region *flashmem.Region, slot datastore.ImageSlot, codeAuthorityPub []byte) (*image.Header, []byte, error) {
	hdr, raw, err := readImageHeader(region)
	if err != nil {
		return nil, nil, err
	}
	if int(hdr.HdrSize) > len(raw) {
		return nil, nil, fmt.Errorf("%w: hdr_size %d exceeds region size %d", image.ErrCodePointerMismatch, hdr.HdrSize, len(raw))
	}
	cd, err := cfg.DataStore.ReadConfigData()
	if err != nil {
		return nil, nil, fmt.Errorf("reading image metadata: %w", err)
	}
	if err := image.Verify(hdr, raw[hdr.HdrSize:], int(hdr.HdrSize), codeAuthorityPub, cd.ImgInfo[slot]); err != nil {
		return nil, nil, err
	}
	return hdr, raw, nil
}

// handoff builds the next-layer boot parameters and certificate store
// and arms the watchdog.
func handoff(cfg *Config, ta *datastore.TrustAnchors, params *bootparams.Params, deviceID *lzcrypto.KeyPair, deviceIDPubPEM []byte, aliasID *lzcrypto.KeyPair, mode Mode, identityChanged, firmwareUpdateNecessary bool) error {
	cd, err := cfg.DataStore.ReadConfigData()
	if err != nil {
		return fmt.Errorf("reading config data: %w", err)
	}

	var nwData []byte
	if cd.NwInfo != nil && cd.NwInfo.Present {
		nwData = cd.NwInfo.Blob
	}

	in := provision.Inputs{
		AliasID:   aliasID,
		DevUUID:   params.DevUUID,
		CurNonce:  params.CurNonce,
		NextNonce: params.NextNonce,
		DevAuth:   identity.DeriveDevAuth(params.CoreAuth, deviceIDPubPEM, params.DevUUID),
		NwData:    nwData,
		// A device that just re-issued its DeviceID certificate this
		// boot needs to tell the management service about its new
		// identity before anything else trusts it.
		DevReassociationNecessary: identityChanged,
		FirmwareUpdateNecessary:   firmwareUpdateNecessary,
	}
	nextParams, err := provision.BuildNextParams(mode, in)
	if err != nil {
		return fmt.Errorf("building next-layer parameters: %w", err)
	}

	hubCert, _ := ta.CertBag.Get(certbag.SlotHub)
	deviceIDCert, err := ta.CertBag.Get(certbag.SlotDeviceID)
	if err != nil {
		return fmt.Errorf("reading DeviceID certificate: %w", err)
	}
	store, err := provision.BuildCertStore(hubCert, deviceIDCert, deviceID, aliasID)
	if err != nil {
		return fmt.Errorf("assembling image certificate store: %w", err)
	}
	if err := provision.WriteCertStore(cfg.CertStoreWindow, store); err != nil {
		return fmt.Errorf("writing image certificate store: %w", err)
	}
	if err := provision.WriteNextParams(cfg.BootParamsWindow, nextParams); err != nil {
		return fmt.Errorf("writing next-layer boot parameters: %w", err)
	}

	return arm(cfg, params)
}

// arm finds a valid DEFERRAL_TICKET in staging or falls back to the
// default timeout, then arms the watchdog exactly once.
func arm(cfg *Config, params *bootparams.Params) error {
	stagingRaw, err := cfg.Staging.ReadAt(0, cfg.Staging.Size())
	if err != nil {
		return fmt.Errorf("reading staging area for deferral ticket: %w", err)
	}
	elements := staging.Scan(stagingRaw)

	ta, err := cfg.DataStore.ReadTrustAnchors()
	if err != nil {
		return fmt.Errorf("reading trust anchors for deferral ticket verification: %w", err)
	}

	deferral := cfg.DefaultDeferralSeconds
	if deferral <= 0 {
		deferral = watchdog.DefaultTimeoutSeconds
	}
	if e, err := staging.HasValidElement(elements, staging.ElementDeferralTicket, params.CurNonce, ta.ManagementPub); err == nil {
		if seconds, ok := decodeDeferralSeconds(e.Payload); ok {
			deferral = seconds
		}
	}
	return cfg.Watchdog.Init(deferral)
}

func decodeDeferralSeconds(payload []byte) (int, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(payload[:4])), true
}
