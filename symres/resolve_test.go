package symres

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"efisym/elftest"
)

func TestInferSizes(t *testing.T) {
	syms := []CodeSymbol{
		{Name: "A", Address: 0x0, DeclaredSize: 0x10, IsFunction: true},
		{Name: "B", Address: 0x20, IsFunction: true},
		{Name: "C", Address: 0x50},
	}
	require.Equal(t, []ResolvedSymbol{
		{Address: 0x0, Size: 0x10, IsFunction: true, QualifiedName: "M.A"},
		{Address: 0x20, Size: 0x30, IsFunction: true, QualifiedName: "M.B"},
		{Address: 0x50, Size: 0xb0, QualifiedName: "M.C"},
	}, InferSizes("M", syms, 0x100))
}

func TestInferSizesEmpty(t *testing.T) {
	require.Empty(t, InferSizes("M", nil, 0x100))
}

func TestResolveModuleSizeInference(t *testing.T) {
	dir := t.TempDir()
	elftest.Text(0x100,
		elftest.Func("A", 0x0, 0x10),
		elftest.Func("B", 0x20, 0),
		elftest.Func("C", 0x50, 0),
	).WriteFile(t, dir, "Mod")

	syms, err := NewResolver(dir).ResolveModule("Mod", 0)
	require.NoError(t, err)
	require.Equal(t, []ResolvedSymbol{
		{Address: 0x0, Size: 0x10, IsFunction: true, QualifiedName: "Mod.A"},
		{Address: 0x20, Size: 0x30, IsFunction: true, QualifiedName: "Mod.B"},
		{Address: 0x50, Size: 0xb0, IsFunction: true, QualifiedName: "Mod.C"},
	}, syms)
}

func TestResolveModuleRelocates(t *testing.T) {
	dir := t.TempDir()
	elftest.Text(0x100,
		elftest.Func("Late", 0x80, 0),
		elftest.Func("Early", 0x10, 0),
	).WriteFile(t, dir, "DXE")

	syms, err := NewResolver(dir).ResolveModule("DXE", 0x7E8C0000)
	require.NoError(t, err)
	require.Equal(t, []ResolvedSymbol{
		{Address: 0x7E8C0010, Size: 0x70, IsFunction: true, QualifiedName: "DXE.Early"},
		{Address: 0x7E8C0080, Size: 0x80, IsFunction: true, QualifiedName: "DXE.Late"},
	}, syms)
}

func TestResolveModuleFilter(t *testing.T) {
	dir := t.TempDir()
	obj := &elftest.Object{
		Sections: []elftest.Section{
			{Name: ".text", Size: 0x100},
			{Name: ".data", Size: 0x40},
		},
		Symbols: []elftest.Symbol{
			{Name: "LocalFunc", Value: 0x00, Section: ".text", Type: elf.STT_FUNC, Bind: elf.STB_LOCAL},
			{Name: "AsmEntry", Value: 0x10, Section: ".text", Type: elf.STT_NOTYPE, Bind: elf.STB_GLOBAL},
			{Name: "LocalLabel", Value: 0x20, Section: ".text", Type: elf.STT_NOTYPE, Bind: elf.STB_LOCAL},
			{Name: "WeakLabel", Value: 0x28, Section: ".text", Type: elf.STT_NOTYPE, Bind: elf.STB_WEAK},
			{Name: "WeakFunc", Value: 0x30, Section: ".text", Type: elf.STT_FUNC, Bind: elf.STB_WEAK},
			{Name: "DataFunc", Value: 0x08, Section: ".data", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL},
			{Name: "DataVar", Value: 0x10, Section: ".data", Type: elf.STT_OBJECT, Bind: elf.STB_GLOBAL},
			{Name: "Undefined", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL},
			{Name: "Unnamed", Value: 0x40, Section: ".text", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL, BadName: true},
			{Name: "PastText", Value: 0x100, Section: ".text", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL},
		},
	}
	obj.WriteFile(t, dir, "Mod")

	syms, err := NewResolver(dir).ResolveModule("Mod", 0x1000)
	require.NoError(t, err)
	require.Equal(t, []ResolvedSymbol{
		{Address: 0x1000, Size: 0x10, IsFunction: true, QualifiedName: "Mod.LocalFunc"},
		{Address: 0x1010, Size: 0x20, IsFunction: false, QualifiedName: "Mod.AsmEntry"},
		{Address: 0x1030, Size: 0xd0, IsFunction: true, QualifiedName: "Mod.WeakFunc"},
	}, syms)
}

func TestResolveModuleAddressCollision(t *testing.T) {
	dir := t.TempDir()
	elftest.Text(0x40,
		elftest.Func("First", 0x10, 0x8),
		elftest.Func("Second", 0x10, 0),
	).WriteFile(t, dir, "Mod")

	syms, err := NewResolver(dir).ResolveModule("Mod", 0)
	require.NoError(t, err)
	require.Equal(t, []ResolvedSymbol{
		{Address: 0x10, Size: 0x30, IsFunction: true, QualifiedName: "Mod.Second"},
	}, syms)
}

func TestResolveModuleClassesAndByteOrders(t *testing.T) {
	for _, tc := range []struct {
		name  string
		class elf.Class
		data  elf.Data
	}{
		{"elf32 lsb", elf.ELFCLASS32, elf.ELFDATA2LSB},
		{"elf32 msb", elf.ELFCLASS32, elf.ELFDATA2MSB},
		{"elf64 lsb", elf.ELFCLASS64, elf.ELFDATA2LSB},
		{"elf64 msb", elf.ELFCLASS64, elf.ELFDATA2MSB},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			obj := elftest.Text(0x200,
				elftest.Func("_ModuleEntryPoint", 0x0, 0x24),
				elftest.Func("InternalHelper", 0x30, 0),
			)
			obj.Class, obj.Data = tc.class, tc.data
			obj.WriteFile(t, dir, "PcdDxe")

			syms, err := NewResolver(dir).ResolveModule("PcdDxe", 0x7E890000)
			require.NoError(t, err)
			require.Equal(t, []ResolvedSymbol{
				{Address: 0x7E890000, Size: 0x24, IsFunction: true, QualifiedName: "PcdDxe._ModuleEntryPoint"},
				{Address: 0x7E890030, Size: 0x1d0, IsFunction: true, QualifiedName: "PcdDxe.InternalHelper"},
			}, syms)
		})
	}
}

func TestResolveModuleHighLoadBase(t *testing.T) {
	dir := t.TempDir()
	elftest.Text(0x100,
		elftest.Func("Entry", 0x0, 0),
		elftest.Func("Tail", 0xf0, 0),
	).WriteFile(t, dir, "Top")

	syms, err := NewResolver(dir).ResolveModule("Top", 0xFFFFFFFFFFFFFE00)
	require.NoError(t, err)
	require.Equal(t, []ResolvedSymbol{
		{Address: 0xFFFFFFFFFFFFFE00, Size: 0xf0, IsFunction: true, QualifiedName: "Top.Entry"},
		{Address: 0xFFFFFFFFFFFFFEF0, Size: 0x10, IsFunction: true, QualifiedName: "Top.Tail"},
	}, syms)

	_, err = NewResolver(dir).ResolveModule("Top", 0xFFFFFFFFFFFFFF80)
	require.ErrorIs(t, err, ErrAddressRange)
}

func TestResolveModuleWithoutSymtab(t *testing.T) {
	dir := t.TempDir()
	obj := elftest.Text(0x100)
	obj.NoSymtab = true
	obj.WriteFile(t, dir, "Stripped")

	syms, err := NewResolver(dir).ResolveModule("Stripped", 0x1000)
	require.NoError(t, err)
	require.Empty(t, syms)
}

func TestResolveModuleNoCodeSection(t *testing.T) {
	dir := t.TempDir()
	obj := &elftest.Object{
		Sections: []elftest.Section{{Name: ".code", Size: 0x100}},
		Symbols: []elftest.Symbol{
			{Name: "Foo", Value: 0x10, Size: 0x20, Section: ".code", Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL},
		},
	}
	obj.WriteFile(t, dir, "Mod")

	_, err := NewResolver(dir).ResolveModule("Mod", 0x1000)
	require.ErrorIs(t, err, ErrNoCodeSection)
}

func TestResolveModuleBadObject(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Garbage.debug"), []byte("MZ this is not an ELF file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Empty.debug"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Dir.debug"), 0o755))

	for _, module := range []string{"Missing", "Garbage", "Empty", "Dir"} {
		t.Run(module, func(t *testing.T) {
			_, err := NewResolver(dir).ResolveModule(module, 0x1000)
			require.ErrorIs(t, err, ErrMissingOrInvalidObject)
		})
	}
}

func TestResolveModuleDemangle(t *testing.T) {
	dir := t.TempDir()
	elftest.Text(0x100,
		elftest.Func("_ZN3foo3barEv", 0x0, 0x10),
		elftest.Func("CEntry", 0x10, 0x10),
	).WriteFile(t, dir, "Mod")

	syms, err := NewResolver(dir, WithDemangle()).ResolveModule("Mod", 0)
	require.NoError(t, err)
	require.Len(t, syms, 2)
	require.Equal(t, "Mod.foo::bar()", syms[0].QualifiedName)
	require.Equal(t, "Mod.CEntry", syms[1].QualifiedName)

	syms, err = NewResolver(dir).ResolveModule("Mod", 0)
	require.NoError(t, err)
	require.Equal(t, "Mod._ZN3foo3barEv", syms[0].QualifiedName)
}

func TestObjectPath(t *testing.T) {
	require.Equal(t, filepath.Join("/build/DEBUG", "DxeCore.debug"), NewResolver("/build/DEBUG").ObjectPath("DxeCore"))
}
