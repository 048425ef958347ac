package build

import (
	"strings"

	"github.com/oisee/rtlsim/pkg/flatten"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/program"
	"github.com/oisee/rtlsim/pkg/sir"
)

// buildMemoryMap walks the flattened instance table in instance-id
// order and, for each instance's module, its declaration-order scope
// (ports then vars, matching Scope()'s local-id convention) to build
// the host-facing memory map and hierarchy tree (§6). The byte offsets
// and sizes reported here describe an "as-if-laid-out-flat" buffer for
// host tooling (memmap/inspect); pkg/runtime.Buffer itself is map-based
// and never actually allocates this layout.
func (r *resolver) buildMemoryMap(opts Options) ([]program.SignalInfo, *program.Hierarchy, int, int) {
	var signals []program.SignalInfo
	nodes := make(map[string]*program.Hierarchy, len(r.fd.Instances))
	offset := 0
	stableSize := 0
	totalSize := 0

	addSignal := func(inst flatten.FlatInstance, local int, name string, t hdl.Type, kind program.SignalKind, node *program.Hierarchy) {
		width := t.Width
		if width <= 0 {
			width = 1
		}
		byteSize := (width + 7) / 8
		info := program.SignalInfo{
			Name:            inst.Path + "." + name,
			Addr:            sir.Addr{Instance: inst.ID, Local: local},
			Offset:          offset,
			BitWidth:        width,
			ByteSize:        byteSize,
			Is4State:        opts.FourState && t.Kind == hdl.TypeLogic,
			Kind:            kind,
			ArrayDims:       t.Dims,
			AssociatedClock: t.AssociatedClk,
		}
		signals = append(signals, info)
		node.Signals = append(node.Signals, info)
		offset += byteSize
		stableSize += byteSize
		if info.Is4State {
			totalSize += byteSize * 2
		} else {
			totalSize += byteSize
		}
	}

	for _, inst := range r.fd.Instances {
		mod, ok := r.design.ByName(inst.ModuleName)
		if !ok {
			continue
		}
		node := &program.Hierarchy{InstanceName: inst.Path, ModuleName: mod.Name}
		nodes[inst.Path] = node

		local := 0
		for _, p := range mod.Ports {
			addSignal(inst, local, p.Name, p.Type, portKind(p.Dir), node)
			local++
		}
		for _, v := range mod.Vars {
			addSignal(inst, local, v.Name, v.Type, program.SignalInternal, node)
			local++
		}
	}

	var root *program.Hierarchy
	for _, inst := range r.fd.Instances {
		node := nodes[inst.Path]
		parentPath, isRoot := parentOf(inst.Path)
		if isRoot {
			root = node
			continue
		}
		if parent, ok := nodes[parentPath]; ok {
			parent.Children = append(parent.Children, node)
		}
	}

	return signals, root, stableSize, totalSize
}

func portKind(dir hdl.Direction) program.SignalKind {
	switch dir {
	case hdl.DirInput:
		return program.SignalInput
	case hdl.DirOutput:
		return program.SignalOutput
	default:
		return program.SignalInternal
	}
}

// parentOf strips the last dotted segment of a flattened instance
// path to find its parent's path. FlatInstance carries no parent-id
// field, so the hierarchy tree is rebuilt from path text alone; the
// root instance (no dot) reports isRoot=true.
func parentOf(path string) (parent string, isRoot bool) {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return "", true
	}
	return path[:idx], false
}
