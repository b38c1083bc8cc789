// Package updater implements the Update Applier: it classifies a
// verified staging log into standard updates, the core update, and
// tickets, installs standard updates into their target flash regions or
// the data store, and refreshes image anti-rollback metadata from the
// newly installed headers.
package updater

import (
	"fmt"

	"go.lazarusboot.dev/lzcore/pkg/datastore"
	"go.lazarusboot.dev/lzcore/pkg/flashmem"
	"go.lazarusboot.dev/lzcore/pkg/image"
	"go.lazarusboot.dev/lzcore/pkg/staging"
)

// Regions names the flash regions a standard image update may target.
// The core region is deliberately absent: only the core-patcher layer
// may rewrite it, so LZ_CORE_UPDATE is never installed here.
type Regions struct {
	UpdateDownloader *flashmem.Region
	CorePatcher      *flashmem.Region
	App              *flashmem.Region
}

func (r Regions) forType(t staging.ElementType) (*flashmem.Region, datastore.ImageSlot, bool) {
	switch t {
	case staging.ElementUDownloaderUpdate:
		return r.UpdateDownloader, datastore.ImageSlotUpdateDownloader, true
	case staging.ElementCPatcherUpdate:
		return r.CorePatcher, datastore.ImageSlotCorePatcher, true
	case staging.ElementAppUpdate:
		return r.App, datastore.ImageSlotApp, true
	default:
		return nil, 0, false
	}
}

// Result summarizes what Apply did, for the boot mode selector.
type Result struct {
	Applied           []staging.ElementType
	CoreUpdatePending bool
}

// Apply installs every already-verified standard-update element in
// elements into its target region or the data store, then persists
// refreshed image metadata and config data in a single rewrite.
//
// elements must already have passed staging.Verify; Apply does not
// re-verify them. LZ_CORE_UPDATE is recognized only to report
// CoreUpdatePending; BOOT_TICKET and DEFERRAL_TICKET are ignored here,
// since those are consumed directly by the boot mode selector and the
// watchdog arming step respectively.
func Apply(elements []staging.Element, regions Regions, ds *datastore.DataStore) (*Result, error) {
	cd, err := ds.ReadConfigData()
	if err != nil {
		return nil, fmt.Errorf("updater: reading config data: %w", err)
	}

	result := &Result{}
	dirty := false

	for _, e := range elements {
		switch e.Header.Type {
		case staging.ElementCoreUpdate:
			result.CoreUpdatePending = true

		case staging.ElementBootTicket, staging.ElementDeferralTicket:
			// consumed elsewhere

		case staging.ElementConfigUpdate:
			cd.NwInfo = &datastore.NetworkInfo{Present: true, Blob: append([]byte(nil), e.Payload...)}
			dirty = true
			result.Applied = append(result.Applied, e.Header.Type)

		case staging.ElementDeviceIDReassocRes:
			cd.DeviceIDReassocRes = append([]byte(nil), e.Payload...)
			dirty = true
			result.Applied = append(result.Applied, e.Header.Type)

		default:
			region, slot, ok := regions.forType(e.Header.Type)
			if !ok {
				continue
			}
			if region == nil {
				return nil, fmt.Errorf("updater: no target region configured for %v", e.Header.Type)
			}
			if err := region.Write(0, e.Payload); err != nil {
				return nil, fmt.Errorf("updater: installing %v: %w", e.Header.Type, err)
			}
			hdr, err := image.DecodeHeader(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("updater: decoding newly installed %v header: %w", e.Header.Type, err)
			}
			cd.ImgInfo[slot] = image.NextMetadata(hdr)
			dirty = true
			result.Applied = append(result.Applied, e.Header.Type)
		}
	}

	if dirty {
		if err := ds.WriteConfigData(cd); err != nil {
			return nil, fmt.Errorf("updater: persisting refreshed config data: %w", err)
		}
	}

	return result, nil
}
