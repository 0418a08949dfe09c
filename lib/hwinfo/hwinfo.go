// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

// Info holds the static hardware fields reported in a heartbeat's
// "hardware" section. A zero value in any field means the probe could
// not read that value on this host.
type Info struct {
	CPUModel    string
	CPUCores    int
	RAMTotalGB  float64
	DiskTotalGB float64
	DiskFreeGB  float64
}
