package bus

import (
	"github.com/gobwas/glob"

	kerrors "zcore-go/errors"
	"zcore-go/hal/scheme"
	"zcore-go/logging"
)

// ProbeFn builds a device from a matched node. Returning NOT_SUPPORTED
// skips the node without aborting discovery.
type ProbeFn func(node *Node) (*scheme.Device, error)

type driverEntry struct {
	pattern string
	match   glob.Glob
	probe   ProbeFn
}

// Registry maps compatible-string patterns to drivers. Patterns are
// globs so one driver can cover a family ("ns16550*", "virtio,mmio*").
type Registry struct {
	entries []driverEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds a driver for compatible strings matching pattern.
func (r *Registry) Register(pattern string, fn ProbeFn) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return kerrors.Wrap(err, kerrors.StatusInvalidArgs, "driver_register")
	}
	r.entries = append(r.entries, driverEntry{pattern: pattern, match: g, probe: fn})
	return nil
}

func (r *Registry) lookup(compatibles []string) (ProbeFn, string, bool) {
	for _, compat := range compatibles {
		for _, e := range r.entries {
			if e.match.Match(compat) {
				return e.probe, compat, true
			}
		}
	}
	return nil, "", false
}

// ProbeResult is the outcome of a device-tree walk.
type ProbeResult struct {
	// Devices are the successfully probed devices in DFS order.
	Devices []*scheme.Device
	// Controllers maps phandle to the probed interrupt controller.
	Controllers map[uint32]*scheme.Device
	// MemoryRanges are the RAM ranges from memory nodes.
	MemoryRanges []RegRange
}

// ProbeDTB walks the blob, probes every node whose compatible matches a
// registered driver, and wires device interrupts to their controllers.
func (r *Registry) ProbeDTB(blob []byte) (*ProbeResult, error) {
	root, err := ParseDTB(blob)
	if err != nil {
		return nil, err
	}
	return r.ProbeTree(root)
}

// ProbeTree runs discovery over an already parsed tree.
func (r *Registry) ProbeTree(root *Node) (*ProbeResult, error) {
	res := &ProbeResult{Controllers: make(map[uint32]*scheme.Device)}
	var wired []*Node
	byNode := make(map[*Node]*scheme.Device)

	root.Walk(func(n *Node) {
		if devType, _ := n.PropString("device_type"); devType == "memory" {
			if ranges, ok := n.Reg(); ok {
				res.MemoryRanges = append(res.MemoryRanges, ranges...)
			}
			return
		}
		compatibles, ok := n.PropStringList("compatible")
		if !ok {
			return
		}
		fn, compat, ok := r.lookup(compatibles)
		if !ok {
			// Unknown compatibles are skipped silently.
			return
		}
		dev, err := fn(n)
		if err != nil {
			if !kerrors.IsStatus(err, kerrors.StatusNotSupported) {
				logging.Warn("device probe failed", "node", n.Name, "compatible", compat, "error", err)
			}
			return
		}
		dev.Compatible = compat
		if ph, ok := n.PropU32("phandle"); ok {
			dev.Phandle = ph
		}
		res.Devices = append(res.Devices, dev)
		byNode[n] = dev
		if n.HasProp("interrupt-controller") && dev.Kind == scheme.KindIrq {
			if ic, ok := n.PropU32("#interrupt-cells"); ok {
				dev.InterruptCells = ic
			}
			if dev.Phandle != 0 {
				res.Controllers[dev.Phandle] = dev
			}
		}
		wired = append(wired, n)
	})

	// Second pass: route device interrupt lines through their parents.
	for _, n := range wired {
		dev := byNode[n]
		if dev.Handler == nil || dev.Kind == scheme.KindIrq {
			continue
		}
		r.wireInterrupts(n, dev, res)
	}
	return res, nil
}

// wireInterrupts registers dev.Handler with the interrupt parent named
// by the node's interrupts or interrupts-extended property.
func (r *Registry) wireInterrupts(n *Node, dev *scheme.Device, res *ProbeResult) {
	specs := r.interruptSpecs(n, res)
	for _, s := range specs {
		parent := res.Controllers[s.phandle]
		if parent == nil {
			logging.Warn("interrupt parent not found", "node", n.Name, "phandle", s.phandle)
			continue
		}
		if err := parent.Irq.RegisterHandler(s.irq, dev.Handler); err != nil {
			logging.Warn("interrupt wire failed", "node", n.Name, "irq", s.irq, "error", err)
			continue
		}
		if err := parent.Irq.Unmask(s.irq); err != nil {
			logging.Warn("interrupt unmask failed", "node", n.Name, "irq", s.irq, "error", err)
		}
	}
}

type irqSpec struct {
	phandle uint32
	irq     uint32
}

// interruptNumber reduces an interrupt specifier to a controller line.
// Three-cell specifiers follow the GIC convention (type, number, flags)
// where SPIs are offset by 32; otherwise the first cell is the line.
func interruptNumber(cells []uint32) uint32 {
	if len(cells) >= 3 {
		return 32 + cells[1]
	}
	if len(cells) > 0 {
		return cells[0]
	}
	return 0
}

func (r *Registry) interruptSpecs(n *Node, res *ProbeResult) []irqSpec {
	var specs []irqSpec

	if ext, ok := n.PropU32Slice("interrupts-extended"); ok {
		// Entries are (phandle, cells...) with the cell count taken from
		// each named parent.
		i := 0
		for i < len(ext) {
			phandle := ext[i]
			i++
			cellCount := r.parentInterruptCells(phandle, res)
			if i+cellCount > len(ext) {
				logging.Warn("short interrupts-extended entry", "node", n.Name)
				break
			}
			specs = append(specs, irqSpec{phandle: phandle, irq: interruptNumber(ext[i : i+cellCount])})
			i += cellCount
		}
		return specs
	}

	cells, ok := n.PropU32Slice("interrupts")
	if !ok {
		return nil
	}
	phandle, ok := n.InterruptParent()
	if !ok {
		logging.Warn("interrupts without interrupt-parent", "node", n.Name)
		return nil
	}
	cellCount := r.parentInterruptCells(phandle, res)
	for i := 0; i+cellCount <= len(cells); i += cellCount {
		specs = append(specs, irqSpec{phandle: phandle, irq: interruptNumber(cells[i : i+cellCount])})
	}
	return specs
}

// parentInterruptCells finds the #interrupt-cells of the controller with
// the given phandle by scanning controller nodes; defaults to 1.
func (r *Registry) parentInterruptCells(phandle uint32, res *ProbeResult) int {
	if dev, ok := res.Controllers[phandle]; ok && dev.InterruptCells > 0 {
		return int(dev.InterruptCells)
	}
	return 1
}
