// Package symres resolves the code symbols of relocated firmware modules from
// their on-disk debug objects and renders them as debugger directives.
package symres

import (
	"math"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/google/btree"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
)

const (
	codeSection = ".text"
	debugSuffix = ".debug"
)

var (
	ErrMissingOrInvalidObject = errors.New("bad object file")
	ErrNoCodeSection          = errors.New("no .text section found")
	ErrInvalidName            = errors.New("invalid symbol name")
	ErrAddressRange           = errors.New(".text does not fit above load address")
)

// CodeSymbol is a kept .text symbol relocated to its load address.
// DeclaredSize is zero when the symbol table does not record one.
type CodeSymbol struct {
	Name         string
	Address      uint64
	DeclaredSize uint64
	IsFunction   bool
}

func lessCodeSymbol(a, b CodeSymbol) bool {
	return a.Address < b.Address
}

// ResolvedSymbol is one symbol ready to be registered with the debugger.
type ResolvedSymbol struct {
	Address       uint64
	Size          uint64
	IsFunction    bool
	QualifiedName string
}

type Resolver struct {
	objDir          string
	logger          log.Logger
	demangle        bool
	demangleOptions []demangle.Option
}

type Option func(*Resolver)

func WithLogger(logger log.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithDemangle passes symbol names through demangle.Filter before they are
// qualified.
func WithDemangle(opts ...demangle.Option) Option {
	return func(r *Resolver) {
		r.demangle = true
		r.demangleOptions = opts
	}
}

// NewResolver returns a resolver looking up <module>.debug files in objDir.
func NewResolver(objDir string, opts ...Option) *Resolver {
	r := &Resolver{
		objDir: objDir,
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) ObjectPath(module string) string {
	return filepath.Join(r.objDir, module+debugSuffix)
}

// ResolveModule reads the debug object of module and returns its .text
// symbols relocated to base, in ascending address order. Symbols sharing an
// address collapse to the last one in symbol table order.
func (r *Resolver) ResolveModule(module string, base uint64) ([]ResolvedSymbol, error) {
	obj, err := openObject(r.ObjectPath(module))
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	textIndex, text := obj.section(codeSection)
	if text == nil {
		return nil, errors.WithStack(ErrNoCodeSection)
	}
	if text.Size > math.MaxUint64-base {
		return nil, errors.Wrapf(ErrAddressRange, "base %#x size %#x", base, text.Size)
	}
	end := base + text.Size

	table, err := obj.symbols()
	if err != nil {
		return nil, err
	}

	working := btree.NewG[CodeSymbol](16, lessCodeSymbol)
	for i := range table.symbols {
		sym := &table.symbols[i]
		if sym.Section != textIndex {
			continue
		}
		// Hand-written assembly routines are often global but untyped.
		if !sym.isFunction() && !sym.isGlobal() {
			continue
		}
		name, ok := table.name(sym.NameOffset)
		if !ok {
			continue
		}
		addr := base + sym.Value
		if addr < base || addr >= end {
			continue
		}
		if r.demangle {
			name = demangle.Filter(name, r.demangleOptions...)
		}
		working.ReplaceOrInsert(CodeSymbol{
			Name:         name,
			Address:      addr,
			DeclaredSize: sym.Size,
			IsFunction:   sym.isFunction(),
		})
	}

	syms := make([]CodeSymbol, 0, working.Len())
	working.Ascend(func(sym CodeSymbol) bool {
		syms = append(syms, sym)
		return true
	})
	return InferSizes(module, syms, end), nil
}

// InferSizes qualifies syms with module and fills in missing sizes. syms must
// be sorted by address without duplicates. A symbol without a declared size
// extends up to the next symbol, or to end for the last one.
func InferSizes(module string, syms []CodeSymbol, end uint64) []ResolvedSymbol {
	resolved := make([]ResolvedSymbol, len(syms))
	for i, sym := range syms {
		size := sym.DeclaredSize
		if size == 0 {
			next := end
			if i+1 < len(syms) {
				next = syms[i+1].Address
			}
			size = next - sym.Address
		}
		resolved[i] = ResolvedSymbol{
			Address:       sym.Address,
			Size:          size,
			IsFunction:    sym.IsFunction,
			QualifiedName: Qualify(module, sym.Name),
		}
	}
	return resolved
}
