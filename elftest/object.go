// Package elftest writes small ELF debug objects for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Section is a PROGBITS section filled with zeros.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// Symbol is a .symtab entry. Section names one of Object.Sections; an empty
// Section leaves the symbol undefined.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Section string
	Type    elf.SymType
	Bind    elf.SymBind
	// BadName points the name offset past the end of .strtab.
	BadName bool
}

// Object describes a debug object. The zero value of Class and Data means
// ELFCLASS64 little endian.
type Object struct {
	Class    elf.Class
	Data     elf.Data
	Sections []Section
	Symbols  []Symbol
	// NoSymtab omits .symtab and .strtab.
	NoSymtab bool
}

// Text is a single-section object layout with the given .text size.
func Text(size uint64, syms ...Symbol) *Object {
	return &Object{
		Sections: []Section{{Name: ".text", Size: size}},
		Symbols:  syms,
	}
}

// Func is a global function symbol in .text.
func Func(name string, value, size uint64) Symbol {
	return Symbol{Name: name, Value: value, Size: size, Section: ".text", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL}
}

// WriteFile writes the object as <dir>/<module>.debug and returns its path.
func (o *Object) WriteFile(t testing.TB, dir, module string) string {
	t.Helper()
	path := filepath.Join(dir, module+".debug")
	require.NoError(t, os.WriteFile(path, o.Bytes(), 0o644))
	return path
}

type header struct {
	name    uint32
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

type writer struct {
	bytes.Buffer
	order binary.ByteOrder
	is64  bool
}

func (w *writer) u8(v uint8) { w.WriteByte(v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.Write(b[:])
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.Write(b[:])
}

// word writes an address-sized value.
func (w *writer) word(v uint64) {
	if w.is64 {
		w.u64(v)
	} else {
		w.u32(uint32(v))
	}
}

func (w *writer) align(n int) {
	for w.Len()%n != 0 {
		w.WriteByte(0)
	}
}

type strtab struct {
	bytes.Buffer
}

func newStrtab() *strtab {
	s := &strtab{}
	s.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(s.Len())
	s.WriteString(name)
	s.WriteByte(0)
	return off
}

// Bytes encodes the object.
func (o *Object) Bytes() []byte {
	class := o.Class
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS64
	}
	data := o.Data
	if data == elf.ELFDATANONE {
		data = elf.ELFDATA2LSB
	}
	w := &writer{is64: class == elf.ELFCLASS64, order: binary.LittleEndian}
	if data == elf.ELFDATA2MSB {
		w.order = binary.BigEndian
	}

	ehsize, shentsize, symentsize := 52, 40, 16
	if w.is64 {
		ehsize, shentsize, symentsize = 64, 64, 24
	}

	shstr := newStrtab()
	headers := []header{{}}
	index := map[string]int{}

	// Section contents start right after the ELF header.
	w.Write(make([]byte, ehsize))
	for _, s := range o.Sections {
		w.align(16)
		index[s.Name] = len(headers)
		headers = append(headers, header{
			name:   shstr.add(s.Name),
			typ:    elf.SHT_PROGBITS,
			flags:  elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			addr:   s.Addr,
			offset: uint64(w.Len()),
			size:   s.Size,
			align:  16,
		})
		w.Write(make([]byte, s.Size))
	}

	if !o.NoSymtab {
		str := newStrtab()
		syms := &writer{order: w.order, is64: w.is64}
		syms.Write(make([]byte, symentsize))
		locals := 1
		for i, sym := range o.Symbols {
			name := str.add(sym.Name)
			if sym.BadName {
				name = 1 << 30
			}
			shndx := uint16(elf.SHN_UNDEF)
			if sym.Section != "" {
				shndx = uint16(index[sym.Section])
			}
			info := elf.ST_INFO(sym.Bind, sym.Type)
			if sym.Bind == elf.STB_LOCAL && locals == i+1 {
				locals++
			}
			syms.u32(name)
			if w.is64 {
				syms.u8(info)
				syms.u8(0)
				syms.u16(shndx)
				syms.u64(sym.Value)
				syms.u64(sym.Size)
			} else {
				syms.u32(uint32(sym.Value))
				syms.u32(uint32(sym.Size))
				syms.u8(info)
				syms.u8(0)
				syms.u16(shndx)
			}
		}

		w.align(8)
		symtabIdx := len(headers)
		headers = append(headers, header{
			name:    shstr.add(".symtab"),
			typ:     elf.SHT_SYMTAB,
			offset:  uint64(w.Len()),
			size:    uint64(syms.Len()),
			link:    uint32(symtabIdx + 1),
			info:    uint32(locals),
			align:   8,
			entsize: uint64(symentsize),
		})
		w.Write(syms.Bytes())

		headers = append(headers, header{
			name:   shstr.add(".strtab"),
			typ:    elf.SHT_STRTAB,
			offset: uint64(w.Len()),
			size:   uint64(str.Len()),
			align:  1,
		})
		w.Write(str.Bytes())
	}

	shstrndx := len(headers)
	name := shstr.add(".shstrtab")
	headers = append(headers, header{
		name:   name,
		typ:    elf.SHT_STRTAB,
		offset: uint64(w.Len()),
		size:   uint64(shstr.Len()),
		align:  1,
	})
	w.Write(shstr.Bytes())

	w.align(8)
	shoff := uint64(w.Len())
	for _, h := range headers {
		w.u32(h.name)
		w.u32(uint32(h.typ))
		w.word(uint64(h.flags))
		w.word(h.addr)
		w.word(h.offset)
		w.word(h.size)
		w.u32(h.link)
		w.u32(h.info)
		w.word(h.align)
		w.word(h.entsize)
	}

	out := w.Bytes()
	eh := &writer{order: w.order, is64: w.is64}
	eh.Write([]byte{0x7f, 'E', 'L', 'F', byte(class), byte(data), byte(elf.EV_CURRENT)})
	eh.Write(make([]byte, elf.EI_NIDENT-eh.Len()))
	eh.u16(uint16(elf.ET_EXEC))
	if w.is64 {
		eh.u16(uint16(elf.EM_X86_64))
	} else {
		eh.u16(uint16(elf.EM_386))
	}
	eh.u32(uint32(elf.EV_CURRENT))
	eh.word(0)
	eh.word(0)
	eh.word(shoff)
	eh.u32(0)
	eh.u16(uint16(ehsize))
	eh.u16(0)
	eh.u16(0)
	eh.u16(uint16(shentsize))
	eh.u16(uint16(len(headers)))
	eh.u16(uint16(shstrndx))
	copy(out, eh.Bytes())
	return out
}
