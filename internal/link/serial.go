package link

import (
	"path/filepath"
	"sort"
)

// serialPatterns are the device nodes a USB bridge shows up as.
var serialPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/serial/by-id/*",
}

// ListSerialPorts returns candidate bridge ports, symlinks resolved and
// deduplicated.
func ListSerialPorts() ([]string, error) {
	seen := make(map[string]struct{})
	var ports []string
	for _, pattern := range serialPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if _, ok := seen[resolved]; ok {
				continue
			}
			seen[resolved] = struct{}{}
			ports = append(ports, resolved)
		}
	}
	sort.Strings(ports)
	return ports, nil
}
