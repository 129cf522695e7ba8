package symres

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"efisym/bootlog"
)

// Qualify joins a module and symbol name. '`' would be the usual object
// delimiter but it stops private symbols from being referenced directly.
func Qualify(module, name string) string {
	return module + "." + name
}

// Format renders s as an ::nmadd directive:
//
//	<addr>::nmadd -<f|o> -s <size> "<module>.<symbol>"
func (s ResolvedSymbol) Format() (string, error) {
	if !utf8.ValidString(s.QualifiedName) {
		return "", errors.Wrapf(ErrInvalidName, "%q", s.QualifiedName)
	}
	kind := "o"
	if s.IsFunction {
		kind = "f"
	}
	return fmt.Sprintf("%x::nmadd -%s -s %x \"%s\"", s.Address, kind, s.Size, s.QualifiedName), nil
}

// Stats summarizes an Emit run.
type Stats struct {
	Modules int
	Failed  int
	Symbols int
	Skipped int
}

// Emit resolves each loaded module in order and writes one directive per
// symbol to w. A module whose object is missing or unusable is logged and
// skipped; only write errors on w abort the run.
func (r *Resolver) Emit(w io.Writer, records []bootlog.LoadRecord) (Stats, error) {
	var stats Stats
	for _, rec := range records {
		stats.Modules++

		syms, err := r.ResolveModule(rec.Module, rec.Address)
		if err != nil {
			stats.Failed++
			level.Error(r.logger).Log("msg", "error processing module", "module", rec.Module, "err", err)
			continue
		}
		level.Debug(r.logger).Log("msg", "resolved module", "module", rec.Module,
			"base", fmt.Sprintf("%#x", rec.Address), "symbols", len(syms))

		for _, sym := range syms {
			line, err := sym.Format()
			if err != nil {
				stats.Skipped++
				level.Warn(r.logger).Log("msg", "skipping symbol", "module", rec.Module, "err", err)
				continue
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return stats, errors.Wrap(err, "write output")
			}
			stats.Symbols++
		}
	}
	return stats, nil
}
