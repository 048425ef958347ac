// Package vcd defines the waveform-dump sink interface the runtime
// calls into on Dump (§6): one record per changed signal per time,
// with a full snapshot at time 0. The concrete on-disk format is the
// host's concern, not this core's (§1 Non-goals); this package
// defines only the interface a Program's Dump calls can notify and an
// in-memory collecting sink for tests, an interface-plus-stand-in split
// for a backend that is genuinely optional.
package vcd

// Sample is one signal's value at one dump. ValueHi carries bits
// [127:64] and is meaningful only when the signal's declared width
// exceeds 64 bits; a narrower signal always dumps it as zero.
type Sample struct {
	Name    string
	Value   uint64
	ValueHi uint64
}

// WaveformSink receives one value-change-format-style record per Dump
// call: every signal considered "changed" since the last dump (or, on
// the very first call, every signal — the full initial snapshot).
type WaveformSink interface {
	Dump(label string, time int64, samples []Sample)
}

// Collector is an in-memory WaveformSink, for tests and for hosts that
// want the raw samples before choosing a file format.
type Collector struct {
	Dumps []CollectedDump
}

// CollectedDump is one recorded Dump call.
type CollectedDump struct {
	Label   string
	Time    int64
	Samples []Sample
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Dump(label string, time int64, samples []Sample) {
	cp := make([]Sample, len(samples))
	copy(cp, samples)
	c.Dumps = append(c.Dumps, CollectedDump{Label: label, Time: time, Samples: cp})
}
