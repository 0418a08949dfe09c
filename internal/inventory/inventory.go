// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package inventory collects the host/hardware/identity fields of the
// heartbeat envelope. A probe that cannot read a value degrades that
// field to its zero value; Collect never fails the whole snapshot.
package inventory

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/agenterrors"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/clock"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/hwinfo"
)

// Host describes the machine the agent runs on.
type Host struct {
	Hostname      string     `json:"hostname"`
	FQDN          string     `json:"fqdn"`
	OS            string     `json:"os"`
	OSVersion     string     `json:"os_version"`
	OSBuild       string     `json:"os_build,omitempty"`
	Arch          string     `json:"arch"`
	PrimaryIP     string     `json:"primary_ip,omitempty"`
	IPAddrs       []string   `json:"ip_addrs,omitempty"`
	MACAddrs      []string   `json:"mac_addrs,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	BootTime      *time.Time `json:"boot_time,omitempty"`
	UptimeSeconds *int64     `json:"uptime_seconds,omitempty"`
}

// Hardware mirrors lib/hwinfo.Info for the heartbeat envelope.
type Hardware struct {
	CPUModel    string  `json:"cpu_model"`
	CPUCores    int     `json:"cpu_cores"`
	RAMTotalGB  float64 `json:"ram_total_gb"`
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskFreeGB  float64 `json:"disk_free_gb"`
}

// Identity describes the host's domain-join state, when known. On a
// bare Linux host with no directory integration these fields are
// zero-valued rather than probed aggressively.
type Identity struct {
	Domain    string `json:"domain,omitempty"`
	Joined    bool   `json:"joined"`
	AADJoined *bool  `json:"aad_joined,omitempty"`
}

// Snapshot is the value produced by Collect, consumed by the scheduler
// to build a heartbeat envelope.
type Snapshot struct {
	Host     Host
	Hardware Hardware
	Identity Identity
}

// Collector produces inventory snapshots, caching the hardware probe
// (which reads /proc and /sys) for HardwareCacheTTL.
type Collector struct {
	dataDir string
	clock   clock.Clock
	logger  *slog.Logger

	cacheMu   sync.Mutex
	cached    Hardware
	cachedAt  time.Time
	hasCached bool
}

// HardwareCacheTTL bounds how often the hardware sub-probe re-reads
// /proc and /sys; the worker loop ticks far more often than hardware
// facts change.
const HardwareCacheTTL = 5 * time.Minute

// NewCollector builds a Collector whose hardware probe reports disk
// usage for dataDir's filesystem. Sub-probe failures are logged
// through logger as warnings and degrade only the affected field.
func NewCollector(dataDir string, clk clock.Clock, logger *slog.Logger) *Collector {
	return &Collector{
		dataDir: dataDir,
		clock:   clk,
		logger:  logger,
	}
}

// Collect gathers a fresh Snapshot. Host and identity probes always
// run; the hardware probe is served from cache when younger than
// HardwareCacheTTL. A sub-probe that fails logs a CollectorError and
// degrades only its own field; Collect never fails the whole snapshot.
func (c *Collector) Collect() Snapshot {
	host, hostErr := probeHost()
	if hostErr != nil {
		c.logger.Warn("host probe degraded", "error", agenterrors.NewCollectorError("host", hostErr))
	}

	identity, identityErr := probeIdentity()
	if identityErr != nil {
		c.logger.Warn("identity probe degraded", "error", agenterrors.NewCollectorError("identity", identityErr))
	}

	return Snapshot{
		Host:     host,
		Hardware: c.hardware(),
		Identity: identity,
	}
}

// hardware returns the cached hardware probe, refreshing it if stale.
func (c *Collector) hardware() Hardware {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	now := c.clock.Now()
	if c.hasCached && now.Sub(c.cachedAt) < HardwareCacheTTL {
		return c.cached
	}

	info := hwinfo.Probe(c.dataDir)
	c.cached = Hardware{
		CPUModel:    info.CPUModel,
		CPUCores:    info.CPUCores,
		RAMTotalGB:  info.RAMTotalGB,
		DiskTotalGB: info.DiskTotalGB,
		DiskFreeGB:  info.DiskFreeGB,
	}
	c.cachedAt = now
	c.hasCached = true
	return c.cached
}

// probeHost gathers hostname, OS, network, and uptime information. A
// non-nil error reports the first sub-probe that failed; the returned
// Host still carries every field that could be read.
func probeHost() (Host, error) {
	host := Host{Arch: normalizeArch(runtime.GOARCH), OS: "linux"}
	var firstErr error

	hostname, err := os.Hostname()
	if err == nil {
		host.Hostname = hostname
		host.FQDN = resolveFQDN(hostname)
	} else {
		firstErr = fmt.Errorf("reading hostname: %w", err)
	}

	host.OSVersion, host.OSBuild = readOSRelease()

	addrs, macs, primary, netErr := probeNetwork()
	host.IPAddrs = addrs
	host.MACAddrs = macs
	host.PrimaryIP = primary
	if netErr != nil && firstErr == nil {
		firstErr = fmt.Errorf("enumerating network interfaces: %w", netErr)
	}

	if zone, _ := time.Now().Zone(); zone != "" {
		host.Timezone = zone
	}

	if boot, uptime, err := probeUptime(); err == nil {
		host.BootTime = &boot
		host.UptimeSeconds = &uptime
	} else if firstErr == nil {
		firstErr = fmt.Errorf("reading uptime: %w", err)
	}

	return host, firstErr
}

// resolveFQDN attempts to resolve hostname to a fully-qualified name
// via DNS; falls back to the bare hostname on failure.
func resolveFQDN(hostname string) string {
	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return hostname
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return hostname
	}
	return strings.TrimSuffix(names[0], ".")
}

// readOSRelease extracts PRETTY_NAME/VERSION_ID from /etc/os-release
// as the OS version, and BUILD_ID (if present) as the OS build.
func readOSRelease() (version, build string) {
	file, err := os.Open("/etc/os-release")
	if err != nil {
		return "", ""
	}
	defer file.Close()

	fields := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		fields[parts[0]] = strings.Trim(parts[1], `"`)
	}

	if pretty := fields["PRETTY_NAME"]; pretty != "" {
		version = pretty
	} else {
		version = fields["VERSION_ID"]
	}
	build = fields["BUILD_ID"]
	return version, build
}

// probeNetwork enumerates non-loopback network interfaces, returning
// their IPv4/IPv6 addresses, MAC addresses, and a chosen primary IP
// (the first non-loopback, non-link-local address found).
func probeNetwork() (addrs []string, macs []string, primary string, err error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, "", err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.HardwareAddr.String() != "" {
			macs = append(macs, iface.HardwareAddr.String())
		}

		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifaceAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			addrs = append(addrs, ipNet.IP.String())
			if primary == "" {
				primary = ipNet.IP.String()
			}
		}
	}
	return addrs, macs, primary, nil
}

// probeUptime returns the host's boot time and current uptime via
// sysinfo(2).
func probeUptime() (bootTime time.Time, uptimeSeconds int64, err error) {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return time.Time{}, 0, err
	}
	uptimeSeconds = int64(info.Uptime)
	bootTime = time.Now().Add(-time.Duration(uptimeSeconds) * time.Second)
	return bootTime, uptimeSeconds, nil
}

// probeIdentity reports domain-join state from the host's DNS domain
// suffix. This is a best-effort signal, not a directory-service
// query — the agent has no directory client of its own. A bare
// hostname with no domain suffix is not an error, just an unjoined
// host; only a failure to read the hostname at all is reported.
func probeIdentity() (Identity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("reading hostname: %w", err)
	}
	fqdn := resolveFQDN(hostname)
	dot := strings.Index(fqdn, ".")
	if dot < 0 || dot == len(fqdn)-1 {
		return Identity{}, nil
	}
	domain := fqdn[dot+1:]
	return Identity{Domain: domain, Joined: true}, nil
}

// normalizeArch maps runtime.GOARCH to the wire vocabulary the intake
// endpoint expects.
func normalizeArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "arm":
		return "arm"
	case "386":
		return "i686"
	default:
		return "unknown"
	}
}
