package gatt

import (
	"strings"
)

// ScanFilter narrows which discovered peers a Central surfaces and connects to.
// Target service filtering is left to the transport scan itself.
type ScanFilter struct {
	AllowList  []PeerID
	BlockList  []PeerID
	NamePrefix string
	// MinRSSI drops weaker advertisements when non-zero.
	MinRSSI int
}

// Match applies the block list, then the allow list, then the name and signal filters.
func (f ScanFilter) Match(peer PeerID, adv Advertisement, rssi int) bool {
	for _, blocked := range f.BlockList {
		if peer == blocked {
			return false
		}
	}

	if len(f.AllowList) > 0 {
		allowed := false
		for _, a := range f.AllowList {
			if peer == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if f.NamePrefix != "" && !strings.HasPrefix(adv.LocalName, f.NamePrefix) {
		return false
	}

	if f.MinRSSI != 0 && rssi < f.MinRSSI {
		return false
	}

	return true
}
