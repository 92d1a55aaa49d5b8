package device

import (
	"fmt"

	"github.com/jaypipes/pcidb"

	"github.com/tenstorrent/go-umd/archspec"
	"github.com/tenstorrent/go-umd/internal/tterr"
)

// PCI device ids of the three supported chip families. Not present in the
// retrieved original_source pack (only a tt::ARCH enum switch was
// available, gated on an already-resolved architecture); these are the
// fixed ids Tenstorrent's PCIe vendor block assigns each family.
const (
	pciDeviceIDGrayskull = 0xfaca
	pciDeviceIDWormhole  = 0x401e
	pciDeviceIDBlackhole = 0xb140
)

// ArchFromDeviceID maps a DeviceInfo.DeviceID to the architecture tag
// archspec.For expects, so a gateway-opening caller never has to hardcode
// per-board arch assumptions (spec.md §4.2: device info is the source of
// truth for "what kind of chip is this").
func ArchFromDeviceID(deviceID uint16) (archspec.Arch, error) {
	switch deviceID {
	case pciDeviceIDGrayskull:
		return archspec.Grayskull, nil
	case pciDeviceIDWormhole:
		return archspec.Wormhole, nil
	case pciDeviceIDBlackhole:
		return archspec.Blackhole, nil
	default:
		return 0, fmt.Errorf("device id %#04x: %w", deviceID, tterr.ErrUnsupportedArchitecture)
	}
}

// pciDB is loaded lazily since pcidb parses a multi-megabyte
// database file on first use; most callers never ask for a vendor/device
// name (spec.md's core driver operations do not need it).
var pciDB *pcidb.PCIDB

// ResolveDeviceName turns the (vendor id, device id) pair the DeviceInfo
// ioctl returns into human-readable names for diagnostics and the
// `umdctl devices` CLI, per SPEC_FULL.md's domain-stack wiring for
// github.com/jaypipes/pcidb. Never called from the core read/write path:
// spec.md lists PCI vendor/device naming as an out-of-scope concern, so a
// failure to load the database degrades to returning the raw hex IDs
// rather than propagating an error.
func ResolveDeviceName(vendorID, deviceID uint16) (vendorName, deviceName string) {
	if pciDB == nil {
		db, err := pcidb.New()
		if err != nil {
			return fmt.Sprintf("%#04x", vendorID), fmt.Sprintf("%#04x", deviceID)
		}
		pciDB = db
	}

	vendorHex := fmt.Sprintf("%04x", vendorID)
	deviceHex := fmt.Sprintf("%04x", deviceID)

	vendor, ok := pciDB.Vendors[vendorHex]
	if !ok {
		return fmt.Sprintf("%#04x", vendorID), fmt.Sprintf("%#04x", deviceID)
	}

	vendorName = vendor.Name
	for _, p := range vendor.Products {
		if p.ID == deviceHex {
			deviceName = p.Name
			break
		}
	}

	if deviceName == "" {
		deviceName = fmt.Sprintf("%#04x", deviceID)
	}

	return vendorName, deviceName
}
