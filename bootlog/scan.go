// Package bootlog follows module loads in a firmware boot log.
package bootlog

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/google/btree"
)

const (
	moduleSuffix  = ".efi"
	failurePrefix = "Error: Image at "

	maxLineSize = 1 << 20
)

// LoadRecord is a module currently loaded at Address.
type LoadRecord struct {
	Address uint64
	Module  string
}

func lessRecord(a, b LoadRecord) bool {
	return a.Address < b.Address
}

// LoadTable maps load addresses to module base names. At most one record
// exists per address; a later load at the same address replaces the earlier one.
type LoadTable struct {
	tree *btree.BTreeG[LoadRecord]
}

func NewLoadTable() *LoadTable {
	return &LoadTable{tree: btree.NewG[LoadRecord](16, lessRecord)}
}

// Scan reads the boot log line by line and returns the final load table.
// Unrecognized or malformed lines are dropped; the only errors returned come
// from r itself.
func Scan(r io.Reader) (*LoadTable, error) {
	t := NewLoadTable()

	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	overlong := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			return nil, err
		}
		// Lines longer than maxLineSize are dropped whole.
		if !overlong {
			line = append(line, chunk...)
			if len(line) > maxLineSize {
				overlong = true
			}
		}
		if isPrefix {
			continue
		}
		if !overlong {
			t.ApplyLine(string(line))
		}
		line = line[:0]
		overlong = false
	}
}

// ApplyLine applies a single boot-log line. It reports whether the line was
// recognized as a load or load-failure event with a parseable address.
//
//	Loading <ignored> at 0x<address> EntryPoint=0x<entry> <module>.efi
//	Error: Image at <address> start failed: <reason>
func (t *LoadTable) ApplyLine(line string) bool {
	fields := strings.Fields(line)

	if len(fields) >= 6 && fields[0] == "Loading" && fields[2] == "at" {
		addr, file := fields[3], fields[5]
		if !strings.HasPrefix(addr, "0x") || !strings.HasSuffix(file, moduleSuffix) {
			return false
		}
		base, err := strconv.ParseUint(trimAllPrefix(addr, "0x"), 16, 64)
		if err != nil {
			return false
		}
		t.tree.ReplaceOrInsert(LoadRecord{
			Address: base,
			Module:  trimAllSuffix(file, moduleSuffix),
		})
		return true
	}

	if strings.HasPrefix(line, failurePrefix) && len(fields) > 3 {
		base, err := strconv.ParseUint(fields[3], 16, 64)
		if err != nil {
			return false
		}
		// Retraction is by address alone; the failure line names no module.
		t.tree.Delete(LoadRecord{Address: base})
		return true
	}

	return false
}

// Lookup returns the module loaded at addr.
func (t *LoadTable) Lookup(addr uint64) (string, bool) {
	rec, ok := t.tree.Get(LoadRecord{Address: addr})
	if !ok {
		return "", false
	}
	return rec.Module, true
}

func (t *LoadTable) Len() int {
	return t.tree.Len()
}

// Records returns the table in ascending address order.
func (t *LoadTable) Records() []LoadRecord {
	records := make([]LoadRecord, 0, t.tree.Len())
	t.tree.Ascend(func(rec LoadRecord) bool {
		records = append(records, rec)
		return true
	})
	return records
}

// trimAllPrefix removes every leading repetition of prefix.
func trimAllPrefix(s, prefix string) string {
	for strings.HasPrefix(s, prefix) {
		s = s[len(prefix):]
	}
	return s
}

func trimAllSuffix(s, suffix string) string {
	for strings.HasSuffix(s, suffix) {
		s = s[:len(s)-len(suffix)]
	}
	return s
}
