package loader

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const (
	sysfsMaxFreqPath = "/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"
	procCPUInfoPath  = "/proc/cpuinfo"
)

// HostCPUFrequencyMHz reports the host processor frequency, preferring the
// cpufreq maximum and falling back to /proc/cpuinfo. It returns 0 when
// neither source is readable.
func HostCPUFrequencyMHz() uint32 {
	return cpuFrequencyMHz(sysfsMaxFreqPath, procCPUInfoPath)
}

func cpuFrequencyMHz(sysfsPath, cpuinfoPath string) uint32 {
	if data, err := os.ReadFile(sysfsPath); err == nil {
		// cpuinfo_max_freq is in kHz
		if khz, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil && khz > 0 {
			return uint32(khz / 1000)
		}
	}

	f, err := os.Open(cpuinfoPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "cpu MHz" {
			continue
		}
		whole, _, _ := strings.Cut(strings.TrimSpace(value), ".")
		mhz, err := strconv.ParseUint(whole, 10, 32)
		if err != nil {
			return 0
		}
		return uint32(mhz)
	}

	return 0
}
