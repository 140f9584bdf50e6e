// Package bus implements device discovery: a flattened device-tree
// parser with a glob-matched driver registry, and a PCI configuration
// space walker. Both produce typed scheme.Device handles.
package bus

import (
	"bytes"
	"encoding/binary"

	kerrors "zcore-go/errors"
)

// Flattened device-tree constants (devicetree format v0.3).
const (
	fdtMagic     = 0xd00dfeed
	fdtBeginNode = 0x1
	fdtEndNode   = 0x2
	fdtProp      = 0x3
	fdtNop       = 0x4
	fdtEnd       = 0x9
)

// Node is one device-tree node.
type Node struct {
	// Name is the node name including the unit address ("uart@10000000").
	Name string
	// Props holds the raw property values.
	Props map[string][]byte
	// Children are the subnodes in declaration order.
	Children []*Node
	// Parent is nil for the root.
	Parent *Node
}

// ParseDTB parses a flattened device-tree blob into its root node.
func ParseDTB(blob []byte) (*Node, error) {
	if len(blob) < 40 {
		return nil, kerrors.New(kerrors.StatusInvalidArgs, "dtb_parse", "blob shorter than header")
	}
	be := binary.BigEndian
	if be.Uint32(blob) != fdtMagic {
		return nil, kerrors.Newf(kerrors.StatusIODataIntegrity, "dtb_parse", "bad magic %#x", be.Uint32(blob))
	}
	totalSize := be.Uint32(blob[4:])
	offStruct := be.Uint32(blob[8:])
	offStrings := be.Uint32(blob[12:])
	if uint32(len(blob)) < totalSize || offStruct >= totalSize || offStrings >= totalSize {
		return nil, kerrors.New(kerrors.StatusIODataIntegrity, "dtb_parse", "truncated blob")
	}

	p := &dtbParser{blob: blob, pos: int(offStruct), strings: int(offStrings)}
	return p.parse()
}

type dtbParser struct {
	blob    []byte
	pos     int
	strings int
}

func (p *dtbParser) u32() (uint32, error) {
	if p.pos+4 > len(p.blob) {
		return 0, kerrors.New(kerrors.StatusIODataIntegrity, "dtb_parse", "unexpected end of struct block")
	}
	v := binary.BigEndian.Uint32(p.blob[p.pos:])
	p.pos += 4
	return v, nil
}

func (p *dtbParser) align() {
	p.pos = (p.pos + 3) &^ 3
}

func (p *dtbParser) cstr() (string, error) {
	end := bytes.IndexByte(p.blob[p.pos:], 0)
	if end < 0 {
		return "", kerrors.New(kerrors.StatusIODataIntegrity, "dtb_parse", "unterminated name")
	}
	s := string(p.blob[p.pos : p.pos+end])
	p.pos += end + 1
	p.align()
	return s, nil
}

func (p *dtbParser) stringAt(off uint32) (string, error) {
	start := p.strings + int(off)
	if start >= len(p.blob) {
		return "", kerrors.New(kerrors.StatusIODataIntegrity, "dtb_parse", "string offset out of range")
	}
	end := bytes.IndexByte(p.blob[start:], 0)
	if end < 0 {
		return "", kerrors.New(kerrors.StatusIODataIntegrity, "dtb_parse", "unterminated string")
	}
	return string(p.blob[start : start+end]), nil
}

func (p *dtbParser) parse() (*Node, error) {
	// Skip NOPs before the root BEGIN_NODE.
	for {
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}
		if tok == fdtNop {
			continue
		}
		if tok != fdtBeginNode {
			return nil, kerrors.Newf(kerrors.StatusIODataIntegrity, "dtb_parse", "expected BEGIN_NODE, got %#x", tok)
		}
		break
	}
	return p.parseNode(nil)
}

func (p *dtbParser) parseNode(parent *Node) (*Node, error) {
	name, err := p.cstr()
	if err != nil {
		return nil, err
	}
	node := &Node{Name: name, Props: make(map[string][]byte), Parent: parent}
	for {
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case fdtProp:
			length, err := p.u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return nil, err
			}
			if p.pos+int(length) > len(p.blob) {
				return nil, kerrors.New(kerrors.StatusIODataIntegrity, "dtb_parse", "property overruns blob")
			}
			propName, err := p.stringAt(nameOff)
			if err != nil {
				return nil, err
			}
			node.Props[propName] = p.blob[p.pos : p.pos+int(length)]
			p.pos += int(length)
			p.align()
		case fdtBeginNode:
			child, err := p.parseNode(node)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		case fdtEndNode:
			return node, nil
		case fdtNop:
		case fdtEnd:
			if parent != nil {
				return nil, kerrors.New(kerrors.StatusIODataIntegrity, "dtb_parse", "FDT_END inside node")
			}
			return node, nil
		default:
			return nil, kerrors.Newf(kerrors.StatusIODataIntegrity, "dtb_parse", "unknown token %#x", tok)
		}
	}
}

// PropU32 returns a property as a big-endian u32.
func (n *Node) PropU32(name string) (uint32, bool) {
	v, ok := n.Props[name]
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// PropU32Slice returns a property as a vector of big-endian u32 cells.
func (n *Node) PropU32Slice(name string) ([]uint32, bool) {
	v, ok := n.Props[name]
	if !ok || len(v)%4 != 0 {
		return nil, false
	}
	out := make([]uint32, len(v)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(v[i*4:])
	}
	return out, true
}

// PropString returns a property as a NUL-terminated string.
func (n *Node) PropString(name string) (string, bool) {
	v, ok := n.Props[name]
	if !ok {
		return "", false
	}
	return string(bytes.TrimRight(v, "\x00")), true
}

// PropStringList returns a property as NUL-separated strings
// (the encoding of multi-value "compatible").
func (n *Node) PropStringList(name string) ([]string, bool) {
	v, ok := n.Props[name]
	if !ok {
		return nil, false
	}
	parts := bytes.Split(bytes.TrimRight(v, "\x00"), []byte{0})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, string(p))
	}
	return out, true
}

// HasProp reports whether the property exists (including empty markers
// like "interrupt-controller").
func (n *Node) HasProp(name string) bool {
	_, ok := n.Props[name]
	return ok
}

// cells returns the inherited cell count: the nearest ancestor's value
// of name, or def if no ancestor sets it. The devicetree format applies
// the counts to the children of the node that declares them.
func (n *Node) cells(name string, def uint32) uint32 {
	for p := n.Parent; p != nil; p = p.Parent {
		if v, ok := p.PropU32(name); ok {
			return v
		}
	}
	return def
}

// AddressCells returns the #address-cells in effect for this node's reg.
func (n *Node) AddressCells() uint32 { return n.cells("#address-cells", 2) }

// SizeCells returns the #size-cells in effect for this node's reg.
func (n *Node) SizeCells() uint32 { return n.cells("#size-cells", 1) }

// RegRange is one (address, size) pair from a reg property.
type RegRange struct {
	Addr uint64
	Size uint64
}

// Reg decodes the node's reg property using the inherited cell counts.
func (n *Node) Reg() ([]RegRange, bool) {
	cells, ok := n.PropU32Slice("reg")
	if !ok {
		return nil, false
	}
	ac, sc := int(n.AddressCells()), int(n.SizeCells())
	if ac == 0 || ac+sc == 0 || len(cells)%(ac+sc) != 0 {
		return nil, false
	}
	var out []RegRange
	for i := 0; i+ac+sc <= len(cells); i += ac + sc {
		var r RegRange
		for j := 0; j < ac; j++ {
			r.Addr = r.Addr<<32 | uint64(cells[i+j])
		}
		for j := 0; j < sc; j++ {
			r.Size = r.Size<<32 | uint64(cells[i+ac+j])
		}
		out = append(out, r)
	}
	return out, true
}

// InterruptParent resolves the interrupt-parent phandle, walking up the
// tree when the node does not set one.
func (n *Node) InterruptParent() (uint32, bool) {
	for p := n; p != nil; p = p.Parent {
		if v, ok := p.PropU32("interrupt-parent"); ok {
			return v, true
		}
	}
	return 0, false
}

// Walk visits the node and all descendants depth-first.
func (n *Node) Walk(visit func(*Node)) {
	visit(n)
	for _, c := range n.Children {
		c.Walk(visit)
	}
}
