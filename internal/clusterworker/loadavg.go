package clusterworker

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// loadAverages reads the host's 1/5/15-minute load averages. Only Linux
// exposes /proc/loadavg; elsewhere (and on read errors) the zero triple is
// reported.
func loadAverages() [3]float64 {
	var out [3]float64
	if runtime.GOOS != "linux" {
		return out
	}
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return out
	}
	fields := strings.Fields(string(data))
	for i := 0; i < 3 && i < len(fields); i++ {
		if v, err := strconv.ParseFloat(fields[i], 64); err == nil {
			out[i] = v
		}
	}
	return out
}
