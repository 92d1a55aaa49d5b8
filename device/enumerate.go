package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	udev "github.com/jochenvg/go-udev"

	"github.com/tenstorrent/go-umd/internal/ttlog"
)

// deviceDir is the directory holding one character-device node per chip.
var deviceDir = "/dev/tenstorrent"

// EnumerateDevices is a pure filesystem scan of deviceDir: the single
// source of truth for "how many chips are attached", per spec.md §4.2. It
// never touches udev so it behaves identically in a minimal container that
// only bind-mounts /dev/tenstorrent.
func EnumerateDevices() ([]int, error) {
	entries, err := os.ReadDir(deviceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("scan %s: %w", deviceDir, err)
	}

	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		idx, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		indices = append(indices, idx)
	}

	sort.Ints(indices)

	return indices, nil
}

// UdevDeviceInfo is diagnostic metadata available only through udev, not the
// kernel driver's own ioctls — surfaced by `umdctl devices` but never used
// to decide which chips exist (EnumerateDevices alone does that).
type UdevDeviceInfo struct {
	Index    int
	Syspath  string
	DevNode  string
	Driver   string
	PCIBusID string
}

// EnumerateUdev augments EnumerateDevices with udev properties, for
// diagnostics. Any failure to query udev (no udev running, permission
// denied) degrades to an empty slice rather than an error: udev enrichment
// is best-effort and never the source of truth spec.md §4.2 requires.
func EnumerateUdev() []UdevDeviceInfo {
	log := ttlog.AddContext(ttlog.Ctx{"component": "enumerate_udev"})

	indices, err := EnumerateDevices()
	if err != nil {
		log.Warn("filesystem scan failed, skipping udev enrichment", ttlog.Ctx{"err": err})
		return nil
	}

	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("tenstorrent"); err != nil {
		log.Debug("udev subsystem match unavailable", ttlog.Ctx{"err": err})
		return nil
	}

	devices, err := e.Devices()
	if err != nil {
		log.Debug("udev enumeration unavailable", ttlog.Ctx{"err": err})
		return nil
	}

	byNode := make(map[string]*udev.Device, len(devices))
	for _, d := range devices {
		byNode[d.Devnode()] = d
	}

	out := make([]UdevDeviceInfo, 0, len(indices))
	for _, idx := range indices {
		node := filepath.Join(deviceDir, strconv.Itoa(idx))

		info := UdevDeviceInfo{Index: idx, DevNode: node}
		if d, ok := byNode[node]; ok {
			info.Syspath = d.Syspath()
			info.Driver = d.Driver()
			info.PCIBusID = d.PropertyValue("PCI_SLOT_NAME")
		}

		out = append(out, info)
	}

	return out
}
