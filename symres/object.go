package symres

import (
	"bytes"
	"debug/elf"
	"os"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// object is a debug object mapped read-only into memory. The mapping stays
// valid until Close; callers must not retain slices of data past that point.
type object struct {
	path string
	data []byte
	file *elf.File
}

func invalidObject(err error) error {
	return errors.Wrapf(ErrMissingOrInvalidObject, "%v", err)
}

func openObject(path string) (*object, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, invalidObject(err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Wrapf(ErrMissingOrInvalidObject, "%s: not a regular file", path)
	}
	if info.Size() == 0 {
		return nil, errors.Wrapf(ErrMissingOrInvalidObject, "%s: empty file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, invalidObject(err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, invalidObject(errors.Wrapf(err, "mmap %s", path))
	}

	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		_ = unix.Munmap(data)
		return nil, invalidObject(errors.Wrapf(err, "parse %s", path))
	}

	return &object{path: path, data: data, file: file}, nil
}

func (o *object) Close() error {
	if o.data == nil {
		return nil
	}
	err := unix.Munmap(o.data)
	o.data = nil
	return err
}

// section returns the index and header of the first section named name.
func (o *object) section(name string) (elf.SectionIndex, *elf.Section) {
	for i, s := range o.file.Sections {
		if s.Name == name {
			return elf.SectionIndex(i), s
		}
	}
	return 0, nil
}

// contents slices a section's file image straight out of the mapping.
func (o *object) contents(s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	start, end := s.Offset, s.Offset+s.FileSize
	if end < start || end > uint64(len(o.data)) {
		return nil, errors.Wrapf(ErrMissingOrInvalidObject, "%s: section %s out of bounds", o.path, s.Name)
	}
	return o.data[start:end], nil
}

type rawSymbol struct {
	NameOffset uint32
	Info       uint8
	Other      uint8
	Section    elf.SectionIndex
	Value      uint64
	Size       uint64
}

func (s *rawSymbol) isFunction() bool {
	return elf.ST_TYPE(s.Info) == elf.STT_FUNC
}

func (s *rawSymbol) isGlobal() bool {
	return elf.ST_BIND(s.Info) == elf.STB_GLOBAL
}

func (o *object) parseSymbol(data []byte) rawSymbol {
	var sym rawSymbol
	order := o.file.ByteOrder

	if o.file.Class == elf.ELFCLASS64 {
		sym.NameOffset = order.Uint32(data[0:4])
		sym.Info = data[4]
		sym.Other = data[5]
		sym.Section = elf.SectionIndex(order.Uint16(data[6:8]))
		sym.Value = order.Uint64(data[8:16])
		sym.Size = order.Uint64(data[16:24])
	} else {
		sym.NameOffset = order.Uint32(data[0:4])
		sym.Value = uint64(order.Uint32(data[4:8]))
		sym.Size = uint64(order.Uint32(data[8:12]))
		sym.Info = data[12]
		sym.Other = data[13]
		sym.Section = elf.SectionIndex(order.Uint16(data[14:16]))
	}

	return sym
}

// symbolTable is the decoded .symtab together with its linked string table.
type symbolTable struct {
	symbols []rawSymbol
	strings []byte
}

// symbols decodes the object's SHT_SYMTAB in table order, skipping the null
// entry. An object without one has no symbols.
func (o *object) symbols() (*symbolTable, error) {
	var symtab *elf.Section
	for _, s := range o.file.Sections {
		if s.Type == elf.SHT_SYMTAB {
			symtab = s
			break
		}
	}
	if symtab == nil {
		return &symbolTable{}, nil
	}

	if int(symtab.Link) >= len(o.file.Sections) {
		return nil, errors.Wrapf(ErrMissingOrInvalidObject, "%s: bad string table link %d", o.path, symtab.Link)
	}
	strs, err := o.contents(o.file.Sections[symtab.Link])
	if err != nil {
		return nil, err
	}
	data, err := o.contents(symtab)
	if err != nil {
		return nil, err
	}

	entSize := 16
	if o.file.Class == elf.ELFCLASS64 {
		entSize = 24
	}
	count := len(data) / entSize
	if count == 0 {
		return &symbolTable{strings: strs}, nil
	}

	syms := make([]rawSymbol, 0, count-1)
	for i := 1; i < count; i++ {
		syms = append(syms, o.parseSymbol(data[i*entSize:(i+1)*entSize]))
	}
	return &symbolTable{symbols: syms, strings: strs}, nil
}

// name looks up a NUL-terminated name by offset. Offsets past the table, names
// without a terminator and names that are not valid UTF-8 do not resolve.
func (t *symbolTable) name(offset uint32) (string, bool) {
	if uint64(offset) >= uint64(len(t.strings)) {
		return "", false
	}
	end := bytes.IndexByte(t.strings[offset:], 0)
	if end < 0 {
		return "", false
	}
	b := t.strings[offset : int(offset)+end]
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}
