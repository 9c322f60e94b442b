// Package device reads the identity of the machine the process runs on.
package device

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// ErrIncomplete is returned when a part of the identity is empty.
var ErrIncomplete = errors.New("device identity incomplete")

// Identity is the (hostname, machine, system) triple a device key is bound
// to. It is always read fresh from the OS and never stored as one value.
type Identity struct {
	Hostname string
	Machine  string // architecture, e.g. "AMD64" on Windows, "x86_64" on Linux
	System   string // OS family, e.g. "Windows", "Linux", "Darwin"
}

// String recombines the parts as "<hostname>-<machine>-<system>".
func (id Identity) String() string {
	return id.Hostname + "-" + id.Machine + "-" + id.System
}

// Validate reports whether every part is set.
func (id Identity) Validate() error {
	switch {
	case id.Hostname == "":
		return fmt.Errorf("%w: hostname", ErrIncomplete)
	case id.Machine == "":
		return fmt.Errorf("%w: machine", ErrIncomplete)
	case id.System == "":
		return fmt.Errorf("%w: system", ErrIncomplete)
	}
	return nil
}

// Current reads the identity of this machine.
func Current(ctx context.Context) (Identity, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("reading host info: %w", err)
	}
	id := Identity{
		Hostname: info.Hostname,
		Machine:  machineName(runtime.GOOS, info.KernelArch),
		System:   systemName(runtime.GOOS),
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// machineName reports the architecture the way the OS itself names it.
// Windows uses upper-case processor names (AMD64, ARM64, x86).
func machineName(goos, kernelArch string) string {
	if kernelArch == "" {
		kernelArch = runtime.GOARCH
	}
	if goos != "windows" {
		return kernelArch
	}
	switch strings.ToLower(kernelArch) {
	case "x86_64", "amd64":
		return "AMD64"
	case "aarch64", "arm64":
		return "ARM64"
	case "i386", "i686", "386", "x86":
		return "x86"
	}
	return strings.ToUpper(kernelArch)
}

func systemName(goos string) string {
	switch goos {
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "freebsd":
		return "FreeBSD"
	}
	if goos == "" {
		return ""
	}
	return strings.ToUpper(goos[:1]) + goos[1:]
}
