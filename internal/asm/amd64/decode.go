package amd64

import (
	"fmt"

	"github.com/trustos/trustos/internal/asm"
)

// Direction is which way data moves in a decoded memory access.
type Direction int

const (
	// DirectionLoad means the instruction reads from memory into a register
	// (e.g. mov reg, [mem]).
	DirectionLoad Direction = iota
	// DirectionStore means the instruction writes a register's value to
	// memory (e.g. mov [mem], reg).
	DirectionStore
)

// MemoryAccess is what a nested-page-fault MMIO handler needs to know about
// the faulting instruction: which register carries the value, how wide the
// access is, which direction it moves, and how many bytes the instruction
// occupies so the handler can advance the guest's instruction pointer.
type MemoryAccess struct {
	Register Direction
	Reg      asm.Variable
	Width    int // 1, 2, 4, or 8 bytes
	Dir      Direction
	Length   int // total instruction length in bytes
}

// DecodeMemoryAccess decodes the small family of `mov` forms a compiler
// emits for a memory-mapped I/O access — the mechanical inverse of
// encodeMovMemReg/encodeMovRegMem/encodeMovZXRegMem in encode.go. It does
// not compute the effective address (the nested page fault's exit
// qualification already carries the guest-physical address §4.K needs);
// it recovers the register, width, direction, and instruction length.
func DecodeMemoryAccess(code []byte) (MemoryAccess, error) {
	i := 0
	var rex rexState
	rexPresent := false
	operandSize16 := false

	for i < len(code) {
		b := code[i]
		switch {
		case b == 0x66:
			operandSize16 = true
			i++
		case b >= 0x40 && b <= 0x4f:
			rexPresent = true
			rex = rexState{
				w: b&0x08 != 0,
				r: b&0x04 != 0,
				x: b&0x02 != 0,
				b: b&0x01 != 0,
			}
			i++
		default:
			goto opcode
		}
	}
opcode:
	if i >= len(code) {
		return MemoryAccess{}, fmt.Errorf("amd64: truncated instruction")
	}
	op := code[i]
	i++

	var dir Direction
	var width int
	switch op {
	case 0x88: // mov r/m8, r8
		dir, width = DirectionStore, 1
	case 0x89: // mov r/m, r (16/32/64 depending on prefixes)
		dir, width = DirectionStore, operandWidth(rex, operandSize16)
	case 0x8a: // mov r8, r/m8
		dir, width = DirectionLoad, 1
	case 0x8b: // mov r, r/m
		dir, width = DirectionLoad, operandWidth(rex, operandSize16)
	default:
		return MemoryAccess{}, fmt.Errorf("amd64: unsupported MMIO opcode %#x", op)
	}

	if i >= len(code) {
		return MemoryAccess{}, fmt.Errorf("amd64: truncated ModRM byte")
	}
	modrm := code[i]
	i++
	mod := modrm >> 6
	regField := (modrm >> 3) & 0x7
	rm := modrm & 0x7

	if mod == 0x3 {
		return MemoryAccess{}, fmt.Errorf("amd64: ModRM mod=11 is a register operand, not memory")
	}

	// SIB byte present whenever rm==4 in a memory operand.
	hasSIB := rm == 4
	if hasSIB {
		if i >= len(code) {
			return MemoryAccess{}, fmt.Errorf("amd64: truncated SIB byte")
		}
		sib := code[i]
		i++
		baseField := sib & 0x7
		// mod==0 and SIB base==5 means disp32 with no base register.
		if mod == 0 && baseField == 5 {
			i += 4
		}
	} else if mod == 0 && rm == 5 {
		// RIP-relative or disp32-only addressing.
		i += 4
	}

	switch mod {
	case 0x1:
		i += 1 // disp8
	case 0x2:
		i += 4 // disp32
	}
	if i > len(code) {
		return MemoryAccess{}, fmt.Errorf("amd64: instruction decode ran past the provided bytes")
	}

	reg, err := registerFromCode(regField, rex.r, rexPresent)
	if err != nil {
		return MemoryAccess{}, err
	}

	return MemoryAccess{Reg: reg, Width: width, Dir: dir, Length: i}, nil
}

func operandWidth(rex rexState, prefix16 bool) int {
	switch {
	case rex.w:
		return 8
	case prefix16:
		return 2
	default:
		return 4
	}
}

func registerFromCode(code byte, extended, rexPresent bool) (asm.Variable, error) {
	if extended {
		table := []asm.Variable{R8, R9, R10, R11, R12, R13, R14, R15}
		return table[code], nil
	}
	switch code {
	case 0:
		return RAX, nil
	case 1:
		return RCX, nil
	case 2:
		return RDX, nil
	case 3:
		return RBX, nil
	case 4:
		if rexPresent {
			return RSP, nil
		}
	case 5:
		if rexPresent {
			return RBP, nil
		}
	case 6:
		if rexPresent {
			return RSI, nil
		}
	case 7:
		if rexPresent {
			return RDI, nil
		}
	}
	return 0, fmt.Errorf("amd64: 8-bit high-byte registers (AH/CH/DH/BH) are not supported by this decoder")
}
