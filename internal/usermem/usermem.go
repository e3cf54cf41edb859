// Package usermem implements the bounded user-memory access helpers (§4.Q):
// read_user, write_user, copy_user_into and read_user_cstring. Every call
// refuses addresses and ranges that touch or cross the user/kernel split
// before doing anything else, the same overflow-safe bounds check the
// teacher uses for guest-memory access in internal/devices/virtio/mmio.go's
// guestOffset.
package usermem

import (
	"errors"
	"fmt"
	"math"

	"github.com/trustos/trustos/internal/paging"
)

// ErrFault is returned for any access usermem refuses: above the split, a
// range that crosses it, an overflowing length, or a page that isn't
// present with the right permission.
var ErrFault = errors.New("usermem: EFAULT")

// UserKernelSplit is the highest address usable by a user-space process;
// addresses at or above it belong to the kernel half.
const UserKernelSplit = 0x0000_8000_0000_0000

// Access is the validated, bounds-checked window into one process's user
// address space.
type Access struct {
	paging *paging.Paging
	root   paging.Table
}

// New binds usermem helpers to one process's page tables.
func New(p *paging.Paging, root paging.Table) *Access {
	return &Access{paging: p, root: root}
}

// validateRange enforces §4.Q rules 1-2: refuse any address at or above the
// split, and refuse ranges that cross the split or overflow.
func validateRange(addr uint64, length int) error {
	if length < 0 {
		return fmt.Errorf("usermem: negative length %d: %w", length, ErrFault)
	}
	if length == 0 {
		return nil
	}
	if addr >= UserKernelSplit {
		return fmt.Errorf("usermem: address %#x at or above user/kernel split: %w", addr, ErrFault)
	}
	if addr > math.MaxUint64-uint64(length) {
		return fmt.Errorf("usermem: range overflow addr=%#x length=%d: %w", addr, length, ErrFault)
	}
	if addr+uint64(length) > UserKernelSplit {
		return fmt.Errorf("usermem: range [%#x,%#x) crosses user/kernel split: %w", addr, addr+uint64(length), ErrFault)
	}
	return nil
}

// ensurePresent implements §4.Q rule 3: every 4 KiB page the range touches
// must be present with the requested permission, checked upfront rather than
// via trap-and-recover.
func (a *Access) ensurePresent(addr uint64, length int, needWrite bool) error {
	if length == 0 {
		return nil
	}
	const pageSize = 4096
	start := addr &^ (pageSize - 1)
	end := addr + uint64(length)
	for page := start; page < end; page += pageSize {
		_, flags, err := a.paging.Translate(a.root, page)
		if err != nil {
			return fmt.Errorf("usermem: page %#x not present: %w", page, ErrFault)
		}
		if flags&paging.FlagUser == 0 {
			return fmt.Errorf("usermem: page %#x is not user-accessible: %w", page, ErrFault)
		}
		if needWrite && flags&paging.FlagWritable == 0 && flags&paging.FlagCOW == 0 {
			return fmt.Errorf("usermem: page %#x is not writable: %w", page, ErrFault)
		}
	}
	return nil
}

// CopyUserInto copies length bytes starting at addr out of user space.
func (a *Access) CopyUserInto(buf []byte, addr uint64) error {
	if err := validateRange(addr, len(buf)); err != nil {
		return err
	}
	if err := a.ensurePresent(addr, len(buf), false); err != nil {
		return err
	}
	for i := range buf {
		phys, _, err := a.paging.Translate(a.root, addr+uint64(i))
		if err != nil {
			return fmt.Errorf("usermem: translate %#x: %w", addr+uint64(i), ErrFault)
		}
		if _, err := a.paging.Mem().ReadAt(buf[i:i+1], int64(phys)); err != nil {
			return fmt.Errorf("usermem: read: %w", err)
		}
	}
	return nil
}

// WriteUser copies buf into user space at addr, failing closed if any page
// in the range lacks write permission.
func (a *Access) WriteUser(addr uint64, buf []byte) error {
	if err := validateRange(addr, len(buf)); err != nil {
		return err
	}
	if err := a.ensurePresent(addr, len(buf), true); err != nil {
		return err
	}
	for i := range buf {
		phys, _, err := a.paging.Translate(a.root, addr+uint64(i))
		if err != nil {
			return fmt.Errorf("usermem: translate %#x: %w", addr+uint64(i), ErrFault)
		}
		if _, err := a.paging.Mem().WriteAt(buf[i:i+1], int64(phys)); err != nil {
			return fmt.Errorf("usermem: write: %w", err)
		}
	}
	return nil
}

// ReadUserCString reads a NUL-terminated string of at most maxLen bytes
// (excluding the terminator) from user space.
func (a *Access) ReadUserCString(addr uint64, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		var b [1]byte
		if err := a.CopyUserInto(b[:], addr+uint64(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("usermem: ReadUserCString: no NUL within %d bytes: %w", maxLen, ErrFault)
}
