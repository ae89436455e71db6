package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSysfsRoot is where Linux lists network interfaces.
const DefaultSysfsRoot = "/sys/class/net"

// SysfsDetector classifies connectivity from the interfaces under root: Wifi
// when an interface that is up has a wireless directory, Other otherwise.
func SysfsDetector(root string) Detector {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return func(context.Context) (Type, error) {
		entries, err := os.ReadDir(root)
		if err != nil {
			return Unknown, fmt.Errorf("read %s: %w", root, err)
		}
		for _, e := range entries {
			name := e.Name()
			if name == "lo" {
				continue
			}
			state, err := os.ReadFile(filepath.Join(root, name, "operstate"))
			if err != nil || strings.TrimSpace(string(state)) != "up" {
				continue
			}
			if _, err := os.Stat(filepath.Join(root, name, "wireless")); err == nil {
				return Wifi, nil
			}
		}
		return Other, nil
	}
}
