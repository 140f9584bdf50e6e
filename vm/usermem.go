package vm

import (
	"bytes"

	kerrors "zcore-go/errors"
)

// ReadUser copies user memory at vaddr into buf, resolving through the
// region tree and committing pages as a read fault would.
func ReadUser(root *VMAR, vaddr uint64, buf []byte) error {
	return accessUser(root, vaddr, uint64(len(buf)), func(v VMO, off uint64, chunk []byte) error {
		return v.Read(off, chunk)
	}, buf)
}

// WriteUser copies buf into user memory at vaddr.
func WriteUser(root *VMAR, vaddr uint64, buf []byte) error {
	return accessUser(root, vaddr, uint64(len(buf)), func(v VMO, off uint64, chunk []byte) error {
		return v.Write(off, chunk)
	}, buf)
}

func accessUser(root *VMAR, vaddr, length uint64, op func(VMO, uint64, []byte) error, buf []byte) error {
	done := uint64(0)
	for done < length {
		m, ok := root.FindMapping(vaddr + done)
		if !ok {
			return kerrors.Newf(kerrors.StatusNotFound, "user_copy", "no mapping at %#x", vaddr+done)
		}
		off := vaddr + done - m.Vaddr
		n := min(length-done, m.Size-off)
		if err := op(m.VMO, m.VMOOff+off, buf[done:done+n]); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// ReadUserCString reads a NUL-terminated string of at most maxLen
// bytes from user memory.
func ReadUserCString(root *VMAR, vaddr uint64, maxLen int) (string, error) {
	var out []byte
	chunk := make([]byte, 64)
	for len(out) < maxLen {
		n := min(len(chunk), maxLen-len(out))
		if err := ReadUser(root, vaddr+uint64(len(out)), chunk[:n]); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk[:n]...)
	}
	return "", kerrors.New(kerrors.StatusOutOfRange, "user_copy", "unterminated string")
}

// ReadUserU64 reads a 64-bit little-endian word from user memory.
func ReadUserU64(root *VMAR, vaddr uint64) (uint64, error) {
	var b [8]byte
	if err := ReadUser(root, vaddr, b[:]); err != nil {
		return 0, err
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}

// WriteUserU64 writes a 64-bit little-endian word to user memory.
func WriteUserU64(root *VMAR, vaddr uint64, v uint64) error {
	b := [8]byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
	return WriteUser(root, vaddr, b[:])
}

// ReadUserU32 reads a 32-bit little-endian word from user memory.
func ReadUserU32(root *VMAR, vaddr uint64) (uint32, error) {
	var b [4]byte
	if err := ReadUser(root, vaddr, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
