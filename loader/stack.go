package loader

import (
	"debug/elf"
	"encoding/binary"

	"zcore-go/hal/mem"
	"zcore-go/hal/paging"
	"zcore-go/vm"
)

// Auxiliary vector keys per the System-V ABI.
const (
	AtNull   = 0
	AtPhdr   = 3
	AtPhent  = 4
	AtPhnum  = 5
	AtPagesz = 6
	AtBase   = 7
	AtEntry  = 9
	AtRandom = 25
)

// buildStack allocates the stack VMO, maps it read-write, and lays out
// argc/argv/envp/auxv per the System-V ABI, leaving SP 16-byte aligned.
func buildStack(f *elf.File, vmar *vm.VMAR, alloc *mem.FrameAllocator, img *Image, opts Options) error {
	pages := opts.StackPages
	if pages == 0 {
		pages = DefaultStackPages
	}
	stackVMO := vm.NewPaged(alloc, pages)
	stackBase, err := vmar.Map(nil, stackVMO, 0, pages*mem.PageSize,
		paging.FlagRead|paging.FlagWrite|paging.FlagUser)
	if err != nil {
		return err
	}
	stackTop := stackBase + pages*mem.PageSize

	// Strings and the random seed live at the very top; the vectors
	// come below them.
	var strings []byte
	argvOffsets := make([]uint64, len(opts.Argv))
	for i, arg := range opts.Argv {
		argvOffsets[i] = uint64(len(strings))
		strings = append(strings, arg...)
		strings = append(strings, 0)
	}
	envOffsets := make([]uint64, len(opts.Envs))
	for i, env := range opts.Envs {
		envOffsets[i] = uint64(len(strings))
		strings = append(strings, env...)
		strings = append(strings, 0)
	}
	randomOffset := uint64(len(strings))
	strings = append(strings, make([]byte, 16)...)

	stringsBase := (stackTop - uint64(len(strings))) &^ 15

	auxv := [][2]uint64{
		{AtPhdr, img.Base + phOffset(f)},
		{AtPhent, 56}, // sizeof(Elf64_Phdr)
		{AtPhnum, uint64(len(f.Progs))},
		{AtPagesz, mem.PageSize},
		{AtBase, img.Base},
		{AtEntry, img.Entry},
		{AtRandom, stringsBase + randomOffset},
		{AtNull, 0},
	}

	// Vector area: argc + argv[] + NULL + envp[] + NULL + auxv.
	words := 1 + len(opts.Argv) + 1 + len(opts.Envs) + 1 + len(auxv)*2
	vecBytes := uint64(words * 8)
	sp := (stringsBase - vecBytes) &^ 15

	vec := make([]byte, 0, vecBytes)
	put := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		vec = append(vec, b[:]...)
	}
	put(uint64(len(opts.Argv)))
	for _, off := range argvOffsets {
		put(stringsBase + off)
	}
	put(0)
	for _, off := range envOffsets {
		put(stringsBase + off)
	}
	put(0)
	for _, kv := range auxv {
		put(kv[0])
		put(kv[1])
	}

	if err := stackVMO.Write(stringsBase-stackBase, strings); err != nil {
		return err
	}
	if err := stackVMO.Write(sp-stackBase, vec); err != nil {
		return err
	}

	img.SP = sp
	img.StackVMO = stackVMO
	img.StackBase = stackBase
	return nil
}

// phOffset returns the image-relative address of the program headers.
func phOffset(f *elf.File) uint64 {
	for _, ph := range f.Progs {
		if ph.Type == elf.PT_PHDR {
			return ph.Vaddr
		}
	}
	// A LOAD segment starting at file offset 0 covers the headers.
	for _, ph := range f.Progs {
		if ph.Type == elf.PT_LOAD && ph.Off == 0 {
			return ph.Vaddr + 64 // headers follow the ELF header
		}
	}
	return 0
}
