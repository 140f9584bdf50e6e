// Package config defines the machine description and kernel boot
// options of the libos: what the loader would get from firmware on
// bare metal arrives here from flags, a JSON machine file, and a
// kernel-cmdline-style option string.
package config

import (
	"encoding/json"
	"os"
	"strings"

	kerrors "zcore-go/errors"
)

// DefaultMemoryMiB is the RAM size when the machine file does not
// choose one.
const DefaultMemoryMiB = 64

// Machine describes the simulated hardware.
type Machine struct {
	// Arch selects the register convention and page-table layout:
	// "x86_64", "aarch64", or "riscv64".
	Arch string `json:"arch"`

	// MemoryMiB is the RAM arena size.
	MemoryMiB uint64 `json:"memoryMiB,omitempty"`

	// Cmdline is the kernel command line (see ParseCmdline).
	Cmdline string `json:"cmdline,omitempty"`

	// BlockImage optionally names a host file served through the
	// Block scheme.
	BlockImage string `json:"blockImage,omitempty"`

	// PCISupport enables the PCI bus walk.
	PCISupport bool `json:"pciSupport,omitempty"`
}

// DefaultMachine returns the machine for the host architecture.
func DefaultMachine(hostArch string) *Machine {
	arch := "x86_64"
	switch hostArch {
	case "arm64":
		arch = "aarch64"
	case "riscv64":
		arch = "riscv64"
	case "amd64":
		arch = "x86_64"
	}
	return &Machine{
		Arch:      arch,
		MemoryMiB: DefaultMemoryMiB,
	}
}

// Validate checks the description.
func (m *Machine) Validate() error {
	switch m.Arch {
	case "x86_64", "aarch64", "riscv64":
	default:
		return kerrors.Newf(kerrors.StatusInvalidArgs, "machine_validate", "unknown arch %q", m.Arch)
	}
	if m.MemoryMiB == 0 {
		return kerrors.New(kerrors.StatusInvalidArgs, "machine_validate", "zero memory size")
	}
	return nil
}

// LoadMachine reads a machine description from a JSON file.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.StatusNotFound, "machine_load")
	}
	var m Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, kerrors.Wrap(err, kerrors.StatusIOInvalid, "machine_load")
	}
	if m.MemoryMiB == 0 {
		m.MemoryMiB = DefaultMemoryMiB
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the description as indented JSON.
func (m *Machine) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return kerrors.Wrap(err, kerrors.StatusInternal, "machine_save")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return kerrors.Wrap(err, kerrors.StatusIO, "machine_save")
	}
	return nil
}

// BootOptions are the kernel-cmdline options the core consults.
type BootOptions struct {
	// LogLevel is the LOG= value ("debug", "info", "warn", "error").
	LogLevel string
	// RootProc is the ROOT_PROC= override of the first process, as
	// "path?arg1?arg2".
	RootProc string
	// PCISupport reflects PCI=.
	PCISupport bool
	// Extra holds unrecognized KEY=VALUE pairs for drivers.
	Extra map[string]string
}

// ParseCmdline splits a whitespace-separated KEY=VALUE option string.
// Unknown keys are kept in Extra rather than rejected, matching how
// kernels treat their command lines.
func ParseCmdline(cmdline string) BootOptions {
	opts := BootOptions{
		LogLevel: "warn",
		Extra:    make(map[string]string),
	}
	for _, field := range strings.Fields(cmdline) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			opts.Extra[field] = ""
			continue
		}
		switch key {
		case "LOG":
			opts.LogLevel = value
		case "ROOT_PROC":
			opts.RootProc = value
		case "PCI":
			opts.PCISupport = value == "1" || strings.EqualFold(value, "on")
		default:
			opts.Extra[key] = value
		}
	}
	return opts
}

// RootProcArgs splits the ROOT_PROC value into a path and argv tail.
func (o BootOptions) RootProcArgs() (string, []string) {
	if o.RootProc == "" {
		return "", nil
	}
	parts := strings.Split(o.RootProc, "?")
	return parts[0], parts[1:]
}
