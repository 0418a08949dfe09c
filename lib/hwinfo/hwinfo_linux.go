// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Probe collects static CPU, memory, and disk inventory for the
// heartbeat envelope's hardware section. diskPath is the directory
// whose filesystem free/total space is reported (normally the agent's
// data directory).
//
// Probe never returns an error — a field it cannot read is left at its
// zero value rather than failing the whole probe. A container with no
// visible /sys topology is still a valid host that should report
// whatever it can.
func Probe(diskPath string) Info {
	return probeFrom("/proc", "/sys", diskPath)
}

// probeFrom is the testable implementation of Probe. It accepts root
// paths for /proc and /sys so tests can point at synthetic filesystems.
func probeFrom(procRoot, sysRoot, diskPath string) Info {
	info := Info{}
	info.CPUModel = readCPUModel(filepath.Join(procRoot, "cpuinfo"))
	info.CPUCores = countUniqueCoreIDs(filepath.Join(sysRoot, "devices/system/cpu"))
	info.RAMTotalGB = probeMemoryGB()
	info.DiskTotalGB, info.DiskFreeGB = probeDiskGB(diskPath)
	return info
}

// readCPUModel extracts the first "model name" line from /proc/cpuinfo.
func readCPUModel(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

// countUniqueCoreIDs counts unique (physical_package_id, core_id) pairs
// across all CPU directories, giving the total physical core count
// across all sockets. Falls back to counting cpuN directories if
// topology files are unreadable (common in containers).
func countUniqueCoreIDs(cpuBase string) int {
	entries, err := os.ReadDir(cpuBase)
	if err != nil {
		return 0
	}

	type coreKey struct {
		packageID string
		coreID    string
	}
	unique := make(map[coreKey]struct{})
	cpuDirs := 0

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		suffix := name[3:]
		if len(suffix) == 0 || suffix[0] < '0' || suffix[0] > '9' {
			continue
		}
		cpuDirs++

		topologyDir := filepath.Join(cpuBase, name, "topology")
		packageID := ReadSysfsString(filepath.Join(topologyDir, "physical_package_id"))
		coreID := ReadSysfsString(filepath.Join(topologyDir, "core_id"))
		if packageID != "" && coreID != "" {
			unique[coreKey{packageID, coreID}] = struct{}{}
		}
	}
	if len(unique) > 0 {
		return len(unique)
	}
	return cpuDirs
}

// probeMemoryGB returns total RAM in gibibytes from sysinfo(2).
func probeMemoryGB() float64 {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0
	}
	unit := uint64(info.Unit)
	totalBytes := uint64(info.Totalram) * unit
	return float64(totalBytes) / (1024 * 1024 * 1024)
}

// probeDiskGB returns total and free space in gibibytes for the
// filesystem containing path, via statfs(2).
func probeDiskGB(path string) (totalGB, freeGB float64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0
	}
	blockSize := uint64(stat.Bsize)
	totalGB = float64(stat.Blocks*blockSize) / (1024 * 1024 * 1024)
	freeGB = float64(stat.Bavail*blockSize) / (1024 * 1024 * 1024)
	return totalGB, freeGB
}

// ReadSysfsString reads a sysfs attribute file and returns its trimmed
// contents, or the empty string if the file cannot be read.
func ReadSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ReadSysfsInt reads a sysfs attribute file and parses it as an int,
// returning 0 if the file is missing or not a valid integer.
func ReadSysfsInt(path string) int {
	value, err := strconv.Atoi(ReadSysfsString(path))
	if err != nil {
		return 0
	}
	return value
}
