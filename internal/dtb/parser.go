// Package dtb parses and builds flattened device trees (§4.O). The token
// stream, header layout and string-table encoding mirror internal/fdt's
// builder exactly so a blob this package writes is one this package (or the
// guest loader) can parse back unchanged.
package dtb

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/trustos/trustos/internal/fdt"
	"github.com/trustos/trustos/internal/machdesc"
)

const (
	headerSize = 0x28
	magic      = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9

	defaultAddressCells = 2
	defaultSizeCells    = 1
)

// ParsedDtb is the artifact this package hands to internal/bootadapter.
type ParsedDtb struct {
	Model      string
	Compatible []string

	Memory     []machdesc.MemRegion
	Reserved   []machdesc.ReservedRegion
	Devices    []machdesc.Device
	Console    machdesc.Console
	Framebuffer *machdesc.Framebuffer

	StdoutPath string
	Bootargs   string
	InitrdAddr *uint64
	InitrdEnd  *uint64

	Root fdt.Node
}

// cellSizes tracks the #address-cells/#size-cells in effect at a node,
// inherited from the nearest ancestor that overrides the default (2/1).
type cellSizes struct {
	addressCells uint32
	sizeCells    uint32
}

// Parse walks a flattened device tree blob and extracts the subset of
// structure §4.O names. It does not attempt to represent every property;
// anything not listed there is preserved only inside Root for callers that
// want the raw tree.
func Parse(blob []byte) (*ParsedDtb, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("dtb: blob too short for header (%d bytes)", len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[0:4]); got != magic {
		return nil, fmt.Errorf("dtb: bad magic %#x, want %#x", got, uint32(magic))
	}
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])

	p := &parser{
		blob:    blob,
		strings: blob[offStrings:],
		off:     int(offStruct),
	}

	root, err := p.parseNode(cellSizes{defaultAddressCells, defaultSizeCells}, "")
	if err != nil {
		return nil, err
	}

	out := &ParsedDtb{Root: root}
	walk(root, "", cellSizes{defaultAddressCells, defaultSizeCells}, out)
	out.Console = deriveConsole(out)
	return out, nil
}

type parser struct {
	blob    []byte
	strings []byte
	off     int
}

func (p *parser) readToken() (uint32, error) {
	for {
		if p.off+4 > len(p.blob) {
			return 0, fmt.Errorf("dtb: truncated struct block at offset %#x", p.off)
		}
		tok := binary.BigEndian.Uint32(p.blob[p.off : p.off+4])
		p.off += 4
		if tok == tokenNop {
			continue
		}
		return tok, nil
	}
}

func (p *parser) readCString() (string, error) {
	start := p.off
	for p.off < len(p.blob) && p.blob[p.off] != 0 {
		p.off++
	}
	if p.off >= len(p.blob) {
		return "", fmt.Errorf("dtb: unterminated string at offset %#x", start)
	}
	s := string(p.blob[start:p.off])
	p.off++
	p.align4()
	return s, nil
}

func (p *parser) align4() {
	for p.off%4 != 0 {
		p.off++
	}
}

func (p *parser) readString(off uint32) string {
	end := int(off)
	for end < len(p.strings) && p.strings[end] != 0 {
		end++
	}
	if int(off) > len(p.strings) {
		return ""
	}
	return string(p.strings[off:end])
}

// parseNode parses one BEGIN_NODE..END_NODE span, assuming the BEGIN_NODE
// token has not yet been consumed.
func (p *parser) parseNode(cells cellSizes, parentPath string) (fdt.Node, error) {
	tok, err := p.readToken()
	if err != nil {
		return fdt.Node{}, err
	}
	if tok != tokenBeginNode {
		return fdt.Node{}, fmt.Errorf("dtb: expected BEGIN_NODE, got token %d", tok)
	}
	name, err := p.readCString()
	if err != nil {
		return fdt.Node{}, err
	}

	node := fdt.Node{Name: name, Properties: map[string]fdt.Property{}}

	for {
		tok, err := p.readToken()
		if err != nil {
			return fdt.Node{}, err
		}
		switch tok {
		case tokenProp:
			propName, prop, err := p.parseProp()
			if err != nil {
				return fdt.Node{}, err
			}
			node.Properties[propName] = prop
			if propName == "#address-cells" && len(prop.U32) == 1 {
				cells.addressCells = prop.U32[0]
			}
			if propName == "#size-cells" && len(prop.U32) == 1 {
				cells.sizeCells = prop.U32[0]
			}
		case tokenBeginNode:
			p.off -= 4 // unread, parseNode re-reads BEGIN_NODE
			child, err := p.parseNode(cells, parentPath+"/"+name)
			if err != nil {
				return fdt.Node{}, err
			}
			node.Children = append(node.Children, child)
		case tokenEndNode:
			return node, nil
		case tokenEnd:
			return fdt.Node{}, fmt.Errorf("dtb: unexpected END at offset %#x inside node %q", p.off-4, name)
		default:
			return fdt.Node{}, fmt.Errorf("dtb: unknown token %d at offset %#x", tok, p.off-4)
		}
	}
}

func (p *parser) parseProp() (string, fdt.Property, error) {
	if p.off+8 > len(p.blob) {
		return "", fdt.Property{}, fmt.Errorf("dtb: truncated PROP header at offset %#x", p.off)
	}
	length := binary.BigEndian.Uint32(p.blob[p.off : p.off+4])
	nameOff := binary.BigEndian.Uint32(p.blob[p.off+4 : p.off+8])
	p.off += 8

	if p.off+int(length) > len(p.blob) {
		return "", fdt.Property{}, fmt.Errorf("dtb: PROP value overruns blob at offset %#x", p.off)
	}
	value := p.blob[p.off : p.off+int(length)]
	p.off += int(length)
	p.align4()

	name := p.readString(nameOff)
	return name, classifyProp(name, value), nil
}

// classifyProp guesses the kind of an opaque property value the same way
// fdt.Property is produced by the builder's reverse path: known property
// names are decoded structurally, everything else is kept as raw bytes (or
// as a flag, if empty).
func classifyProp(name string, value []byte) fdt.Property {
	switch name {
	case "compatible", "stdout-path", "model", "bootargs", "status":
		return fdt.Property{Strings: splitNulTerminated(value)}
	case "#address-cells", "#size-cells", "interrupts", "phandle", "interrupt-parent",
		"width", "height", "stride", "format":
		return fdt.Property{U32: decodeU32s(value)}
	case "reg", "linux,initrd-start", "linux,initrd-end", "linux,usable-memory-range":
		// Ambiguous cell width; caller re-decodes with the node's
		// #address-cells/#size-cells, so keep the raw bytes here.
		return fdt.Property{Bytes: append([]byte(nil), value...)}
	}
	if len(value) == 0 {
		return fdt.Property{Flag: true}
	}
	return fdt.Property{Bytes: append([]byte(nil), value...)}
}

func splitNulTerminated(value []byte) []string {
	if len(value) == 0 {
		return nil
	}
	parts := strings.Split(strings.TrimRight(string(value), "\x00"), "\x00")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		out = append(out, s)
	}
	return out
}

func decodeU32s(value []byte) []uint32 {
	out := make([]uint32, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		out = append(out, binary.BigEndian.Uint32(value[i:i+4]))
	}
	return out
}

// decodeReg interprets a raw "reg" byte string under the given cell sizes,
// returning (address, size) pairs.
func decodeReg(raw []byte, cells cellSizes) [][2]uint64 {
	cellBytes := int(cells.addressCells+cells.sizeCells) * 4
	if cellBytes == 0 {
		return nil
	}
	var out [][2]uint64
	for off := 0; off+cellBytes <= len(raw); off += cellBytes {
		addr := decodeCells(raw[off:off+int(cells.addressCells)*4])
		size := decodeCells(raw[off+int(cells.addressCells)*4 : off+cellBytes])
		out = append(out, [2]uint64{addr, size})
	}
	return out
}

func decodeCells(raw []byte) uint64 {
	var v uint64
	for i := 0; i+4 <= len(raw); i += 4 {
		v = v<<32 | uint64(binary.BigEndian.Uint32(raw[i:i+4]))
	}
	return v
}

// walk extracts the §4.O structure out of the parsed node tree. It mirrors
// the way the FDT builder in internal/fdt lays out /memory, /chosen,
// /reserved-memory and compatible+reg device nodes, so a ParsedDtb round
// trips against a blob this package built itself.
func walk(n fdt.Node, path string, cells cellSizes, out *ParsedDtb) {
	if p, ok := n.Properties["#address-cells"]; ok && len(p.U32) == 1 {
		cells.addressCells = p.U32[0]
	}
	if p, ok := n.Properties["#size-cells"]; ok && len(p.U32) == 1 {
		cells.sizeCells = p.U32[0]
	}

	switch path {
	case "":
		if p, ok := n.Properties["model"]; ok && len(p.Strings) > 0 {
			out.Model = p.Strings[0]
		}
		if p, ok := n.Properties["compatible"]; ok {
			out.Compatible = p.Strings
		}
	case "/chosen":
		if p, ok := n.Properties["stdout-path"]; ok && len(p.Strings) > 0 {
			out.StdoutPath = p.Strings[0]
		}
		if p, ok := n.Properties["bootargs"]; ok && len(p.Strings) > 0 {
			out.Bootargs = p.Strings[0]
		}
		if p, ok := n.Properties["linux,initrd-start"]; ok {
			v := decodeCells(p.Bytes)
			out.InitrdAddr = &v
		}
		if p, ok := n.Properties["linux,initrd-end"]; ok {
			v := decodeCells(p.Bytes)
			out.InitrdEnd = &v
		}
	}

	if path == "/memory" || strings.HasPrefix(path, "/memory@") {
		if p, ok := n.Properties["reg"]; ok {
			for _, r := range decodeReg(p.Bytes, cells) {
				out.Memory = append(out.Memory, machdesc.MemRegion{Base: r[0], Length: r[1]})
			}
		}
	}

	if strings.HasPrefix(path, "/reserved-memory/") || path == "/reserved-memory" {
		if p, ok := n.Properties["reg"]; ok {
			for _, r := range decodeReg(p.Bytes, cells) {
				out.Reserved = append(out.Reserved, machdesc.ReservedRegion{
					MemRegion: machdesc.MemRegion{Base: r[0], Length: r[1]},
					Tag:       n.Name,
				})
			}
		}
	}

	if strings.Contains(n.Name, "framebuffer") {
		if fb := parseFramebuffer(n, cells); fb != nil {
			out.Framebuffer = fb
		}
	}

	if compat, ok := n.Properties["compatible"]; ok && len(compat.Strings) > 0 {
		if reg, ok := n.Properties["reg"]; ok {
			dev := machdesc.Device{
				Path:       path + "/" + n.Name,
				Compatible: compat.Strings,
				Status:     deviceStatus(n),
			}
			if pairs := decodeReg(reg.Bytes, cells); len(pairs) > 0 {
				dev.MMIOBase = pairs[0][0]
				dev.MMIOSize = pairs[0][1]
			}
			out.Devices = append(out.Devices, dev)
		}
	}

	for _, child := range n.Children {
		childPath := path + "/" + child.Name
		if path == "" {
			childPath = "/" + child.Name
		}
		walk(child, childPath, cells, out)
	}
}

func deviceStatus(n fdt.Node) machdesc.DeviceStatus {
	if p, ok := n.Properties["status"]; ok && len(p.Strings) > 0 && p.Strings[0] == "disabled" {
		return machdesc.DeviceDisabled
	}
	return machdesc.DeviceOkay
}

func parseFramebuffer(n fdt.Node, cells cellSizes) *machdesc.Framebuffer {
	reg, ok := n.Properties["reg"]
	if !ok {
		return nil
	}
	pairs := decodeReg(reg.Bytes, cells)
	if len(pairs) == 0 {
		return nil
	}
	fb := &machdesc.Framebuffer{PhysBase: pairs[0][0]}
	if p, ok := n.Properties["width"]; ok && len(p.U32) == 1 {
		fb.Width = p.U32[0]
	}
	if p, ok := n.Properties["height"]; ok && len(p.U32) == 1 {
		fb.Height = p.U32[0]
	}
	if p, ok := n.Properties["stride"]; ok && len(p.U32) == 1 {
		fb.PitchBytes = p.U32[0]
	}
	format := "a8r8g8b8"
	if p, ok := n.Properties["format"]; ok && len(p.Strings) > 0 {
		format = p.Strings[0]
	}
	switch format {
	case "a8r8g8b8":
		fb.PixelFormat, fb.BitsPerPel = machdesc.PixelFormatA8R8G8B8, 32
	case "x8r8g8b8":
		fb.PixelFormat, fb.BitsPerPel = machdesc.PixelFormatX8R8G8B8, 32
	case "a8b8g8r8":
		fb.PixelFormat, fb.BitsPerPel = machdesc.PixelFormatA8B8G8R8, 32
	case "r5g6b5":
		fb.PixelFormat, fb.BitsPerPel = machdesc.PixelFormatR5G6B5, 16
	default:
		fb.PixelFormat = machdesc.PixelFormatUnknown
	}
	return fb
}

// deriveConsole implements the §4.O rule: derive the console UART base from
// the unit-address suffix of stdout-path, falling back to the first
// UART-compatible okay device.
func deriveConsole(p *ParsedDtb) machdesc.Console {
	if p.StdoutPath != "" {
		path := p.StdoutPath
		if idx := strings.IndexByte(path, ':'); idx >= 0 {
			path = path[:idx]
		}
		if at := strings.LastIndexByte(path, '@'); at >= 0 {
			if base, err := strconv.ParseUint(path[at+1:], 16, 64); err == nil {
				for _, d := range p.Devices {
					if d.MMIOBase == base {
						return machdesc.Console{
							Kind:     machdesc.ConsoleMMIOUart,
							MMIOBase: base,
							Flavour:  uartFlavourFromCompatible(d.Compatible),
						}
					}
				}
				return machdesc.Console{Kind: machdesc.ConsoleMMIOUart, MMIOBase: base}
			}
		}
	}
	for _, d := range p.Devices {
		if d.Status != machdesc.DeviceOkay {
			continue
		}
		if flavour := uartFlavourFromCompatible(d.Compatible); flavour != machdesc.UartUnknown {
			return machdesc.Console{Kind: machdesc.ConsoleMMIOUart, MMIOBase: d.MMIOBase, Flavour: flavour}
		}
	}
	return machdesc.Console{Kind: machdesc.ConsoleSerial, Port: 0x3f8}
}

func uartFlavourFromCompatible(compatible []string) machdesc.UartFlavour {
	for _, c := range compatible {
		switch {
		case strings.Contains(c, "pl011"):
			return machdesc.UartPL011
		case strings.Contains(c, "16550"):
			return machdesc.UartNS16550
		case strings.Contains(c, "geni"):
			return machdesc.UartGENI
		}
	}
	return machdesc.UartUnknown
}

// Build serializes a node tree into an FDT blob. This is the teacher's
// internal/fdt.Build, re-exported here so callers only need to import one
// package for the parse/build pair; the wire format (magic, version,
// token set) is identical, so Parse(Build(n)) reproduces n's structure.
func Build(root fdt.Node) ([]byte, error) {
	return fdt.Build(root)
}
