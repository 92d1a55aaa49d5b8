// Package envcfg reads the ambient (non-core) environment configuration of
// spec.md §6: which PCIe devices are visible to discovery. The logging
// variables are read by internal/ttlog itself, not here. It is a thin
// os.Getenv wrapper rather than a general config library (see
// SPEC_FULL.md §A.4).
package envcfg

import (
	"os"
	"strconv"
	"strings"
)

// VisibleDevices parses TT_VISIBLE_DEVICES, a comma-separated list of PCIe
// device indices. Returns (nil, false) when unset or empty, in which case
// callers fall back to every enumerated device.
func VisibleDevices() ([]int, bool) {
	raw := os.Getenv("TT_VISIBLE_DEVICES")
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}

	var out []int
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		n, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}

		out = append(out, n)
	}

	if len(out) == 0 {
		return nil, false
	}

	return out, true
}
