package config

import (
	"path/filepath"
	"testing"

	kerrors "zcore-go/errors"
)

func TestParseCmdline(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		check   func(t *testing.T, opts BootOptions)
	}{
		{
			name:    "empty gives defaults",
			cmdline: "",
			check: func(t *testing.T, opts BootOptions) {
				if opts.LogLevel != "warn" {
					t.Errorf("LogLevel = %q", opts.LogLevel)
				}
			},
		},
		{
			name:    "log and root proc",
			cmdline: "LOG=debug ROOT_PROC=/bin/sh?-c?ls",
			check: func(t *testing.T, opts BootOptions) {
				if opts.LogLevel != "debug" {
					t.Errorf("LogLevel = %q", opts.LogLevel)
				}
				path, args := opts.RootProcArgs()
				if path != "/bin/sh" || len(args) != 2 || args[0] != "-c" || args[1] != "ls" {
					t.Errorf("RootProcArgs = %q, %v", path, args)
				}
			},
		},
		{
			name:    "pci and extras",
			cmdline: "PCI=on console=ttyS0 quiet",
			check: func(t *testing.T, opts BootOptions) {
				if !opts.PCISupport {
					t.Error("PCISupport = false")
				}
				if opts.Extra["console"] != "ttyS0" {
					t.Errorf("console = %q", opts.Extra["console"])
				}
				if _, ok := opts.Extra["quiet"]; !ok {
					t.Error("bare option lost")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ParseCmdline(tt.cmdline))
		})
	}
}

func TestMachine_Validate(t *testing.T) {
	m := DefaultMachine("amd64")
	if err := m.Validate(); err != nil {
		t.Errorf("default invalid: %v", err)
	}
	if m.Arch != "x86_64" {
		t.Errorf("arch = %q", m.Arch)
	}

	bad := &Machine{Arch: "mips", MemoryMiB: 64}
	if err := bad.Validate(); !kerrors.Is(err, kerrors.ErrInvalidArgs) {
		t.Errorf("Validate = %v, want INVALID_ARGS", err)
	}
}

func TestMachine_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.json")

	m := &Machine{Arch: "riscv64", MemoryMiB: 128, Cmdline: "LOG=info", PCISupport: true}
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadMachine(path)
	if err != nil {
		t.Fatalf("LoadMachine: %v", err)
	}
	if *loaded != *m {
		t.Errorf("round trip = %+v, want %+v", loaded, m)
	}

	if _, err := LoadMachine(filepath.Join(dir, "missing.json")); !kerrors.Is(err, kerrors.ErrNotFound) {
		t.Errorf("missing file = %v, want NOT_FOUND", err)
	}
}

func TestDefaultMachine_ArchMapping(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"amd64", "x86_64"},
		{"arm64", "aarch64"},
		{"riscv64", "riscv64"},
		{"mystery", "x86_64"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := DefaultMachine(tt.host).Arch; got != tt.want {
				t.Errorf("arch = %q, want %q", got, tt.want)
			}
		})
	}
}
