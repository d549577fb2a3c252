// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"fmt"
	"hash/crc32"
)

// MeterID derives a stable OpenFlow meter id for a throttled flow from
// its endpoints and switch. The result is constrained to [1, 0xFFFF].
func MeterID(src, dst, dpid string) uint32 {
	sum := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s-%s-%s", src, dst, dpid)))
	return sum%0xFFFF + 1
}

// MeterRateKbps converts a bandwidth budget in Mbps to the meter rate
// in kbps, with a 1000 kbps floor.
func MeterRateKbps(bandwidthMbps float64) int {
	rate := int(bandwidthMbps * 1000)
	if rate < 1000 {
		return 1000
	}
	return rate
}
