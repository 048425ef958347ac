package program

import (
	"encoding/gob"
	"encoding/json"
	"os"
)

// manifest is the gob/json-serializable subset of a Program: the
// memory map, hierarchy, and name tables. Compiled *jit.Function
// closures cannot be serialized, so a loaded manifest must be rebuilt
// into compiled bodies by re-running pkg/build against the same
// analyzer IR before it can execute; the manifest exists so a host can
// persist and inspect a build's layout (memmap, event names, hierarchy)
// without re-running the front end.
type manifest struct {
	EventIDs   map[string]EventID
	StableSize int
	TotalSize  int
	Signals    []SignalInfo
	Hierarchy  *Hierarchy
}

func init() {
	gob.Register(SignalInfo{})
	gob.Register(Hierarchy{})
}

func (p *Program) toManifest() *manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &manifest{
		EventIDs:   p.EventIDs,
		StableSize: p.StableSize,
		TotalSize:  p.TotalSize,
		Signals:    p.Signals,
		Hierarchy:  p.Hierarchy,
	}
}

// SaveLayout writes the program's memory map, hierarchy, and event
// table to path as gob, for a later `inspect` CLI invocation that does
// not need to recompile.
func SaveLayout(path string, p *Program) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(p.toManifest())
}

// LoadLayout reads back a layout saved by SaveLayout. The returned
// Program has nil compiled function pointers; it is only valid for
// inspection (memmap, event names, hierarchy), not for Run.
func LoadLayout(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m manifest
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, err
	}
	return &Program{
		EventIDs:   m.EventIDs,
		StableSize: m.StableSize,
		TotalSize:  m.TotalSize,
		Signals:    m.Signals,
		Hierarchy:  m.Hierarchy,
	}, nil
}

// SaveLayoutJSON writes the same layout as human-readable JSON, for
// the CLI's `build --json` flag.
func SaveLayoutJSON(path string, p *Program) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(p.toManifest())
}
