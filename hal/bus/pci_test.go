package bus

import "testing"

func testTopology() *MockConfigSpace {
	cfg := NewMockConfigSpace()

	// 00:00.0 host bridge (no BARs).
	cfg.AddFunction(MockFunction{
		Bus: 0, Dev: 0, Fn: 0,
		VendorID: 0x8086, DeviceID: 0x29c0,
		ClassCode: 0x060000,
	})

	// 00:02.0 e1000-style NIC: 128 KiB MMIO BAR0, 32-entry IO BAR1, MSI.
	cfg.AddFunction(MockFunction{
		Bus: 0, Dev: 2, Fn: 0,
		VendorID: 0x8086, DeviceID: 0x100e,
		ClassCode: 0x020000,
		BARSizes:  [6]uint32{0x2_0000, 0x20},
		BARFlags:  [6]uint32{0x0, 0x1},
		CapIDs:    []uint8{CapMSI, CapPCIe},
	})

	// 00:03.0 GPU with a 64-bit prefetchable BAR.
	cfg.AddFunction(MockFunction{
		Bus: 0, Dev: 3, Fn: 0,
		VendorID: 0x1af4, DeviceID: 0x1050,
		ClassCode: 0x030000,
		BARSizes:  [6]uint32{0x100_0000},
		BARFlags:  [6]uint32{0x0c}, // 64-bit, prefetchable
		CapIDs:    []uint8{CapMSIX},
	})

	// 00:1c.0 bridge to bus 1.
	cfg.AddFunction(MockFunction{
		Bus: 0, Dev: 0x1c, Fn: 0,
		VendorID: 0x8086, DeviceID: 0x2448,
		ClassCode: 0x060400,
		Bridge:    true, SecondaryBus: 1,
	})

	// 01:00.0 device behind the bridge.
	cfg.AddFunction(MockFunction{
		Bus: 1, Dev: 0, Fn: 0,
		VendorID: 0x1b36, DeviceID: 0x0001,
		ClassCode: 0x010000,
		BARSizes:  [6]uint32{0x1000},
		BARFlags:  [6]uint32{0x0},
		CapIDs:    []uint8{CapAF},
	})

	return cfg
}

func findDevice(devs []*PCIDevice, addr string) *PCIDevice {
	for _, d := range devs {
		if d.Address() == addr {
			return d
		}
	}
	return nil
}

func TestEnumeratePCI_Topology(t *testing.T) {
	devs := EnumeratePCI(testTopology())
	if len(devs) != 5 {
		t.Fatalf("found %d functions, want 5", len(devs))
	}

	// The bridge was descended.
	behind := findDevice(devs, "01:00.0")
	if behind == nil {
		t.Fatal("device behind bridge not found")
	}
	if behind.VendorID != 0x1b36 {
		t.Errorf("vendor = %#x, want 0x1b36", behind.VendorID)
	}
	if !behind.HasCap(CapAF) {
		t.Error("advanced-features capability not walked")
	}
}

func TestEnumeratePCI_BARSizing(t *testing.T) {
	devs := EnumeratePCI(testTopology())

	nic := findDevice(devs, "00:02.0")
	if nic == nil {
		t.Fatal("nic not found")
	}
	bar0 := nic.BARs[0]
	if bar0.IsIO || bar0.Size != 0x2_0000 {
		t.Errorf("bar0 = %+v, want 128 KiB MMIO", bar0)
	}
	bar1 := nic.BARs[1]
	if !bar1.IsIO || bar1.Size != 0x20 {
		t.Errorf("bar1 = %+v, want 32-entry IO", bar1)
	}
	if !nic.HasCap(CapMSI) || !nic.HasCap(CapPCIe) {
		t.Errorf("nic caps = %+v", nic.Caps)
	}

	gpu := findDevice(devs, "00:03.0")
	if gpu == nil {
		t.Fatal("gpu not found")
	}
	fb := gpu.BARs[0]
	if !fb.Is64 || !fb.Prefetchable || fb.Size != 0x100_0000 {
		t.Errorf("gpu bar = %+v, want 16 MiB 64-bit prefetchable", fb)
	}
}

func TestEnumeratePCI_CommandRestored(t *testing.T) {
	cfg := testTopology()
	// Enable decode on the NIC, then check sizing restored it.
	cfg.Write32(0, 2, 0, pciRegCommand,
		cfg.Read32(0, 2, 0, pciRegCommand)|pciCmdIO|pciCmdMemory|pciCmdBusMaster)

	EnumeratePCI(cfg)

	cmd := cfg.Read32(0, 2, 0, pciRegCommand)
	if cmd&(pciCmdIO|pciCmdMemory|pciCmdBusMaster) != pciCmdIO|pciCmdMemory|pciCmdBusMaster {
		t.Errorf("command register not restored: %#x", cmd)
	}
}
