package gcheap

import (
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/gcheap/gc/alloc"
	"github.com/joshuapare/gcheap/gc/arena"
	"github.com/joshuapare/gcheap/gc/finalize"
	"github.com/joshuapare/gcheap/gc/mark"
	"github.com/joshuapare/gcheap/gc/stw"
	"github.com/joshuapare/gcheap/gc/sweep"
)

// Stats aggregates counters from every heap component. Values are
// snapshots; concurrent mutation continues while they are read.
type Stats struct {
	Collections int64
	TotalPause  time.Duration
	LiveBytes   int64
	MappedBytes int64
	BlockCount  int
	Mutators    int
	Blacklisted int // pages currently blacklisted

	PendingFinalizers int
	PendingSweeps     int

	Alloc    alloc.Stats
	Arena    arena.Stats
	Mark     mark.Stats
	Sweep    sweep.Stats
	Stop     stw.Stats
	Finalize finalize.Stats
}

// Stats returns a snapshot of all heap counters. Mark counters describe
// the most recent completed collection.
func (h *Heap) Stats() Stats {
	ar := h.ar.Snapshot()

	h.collectMu.Lock()
	lastMark := h.lastMark
	h.collectMu.Unlock()

	return Stats{
		Collections: h.collections.Load(),
		TotalPause:  time.Duration(h.pauseNanos.Load()),
		LiveBytes:   h.liveBytes.Load(),
		MappedBytes: ar.BytesMapped - ar.BytesUnmapped,
		BlockCount:  h.ix.BlockCount(),
		Mutators:    h.coord.MutatorCount(),
		Blacklisted: h.bl.Len(),

		PendingFinalizers: h.fin.PendingCount(),
		PendingSweeps:     h.rec.PendingCount(),

		Alloc:    h.central.Snapshot(),
		Arena:    ar,
		Mark:     lastMark,
		Sweep:    h.rec.Snapshot(),
		Stop:     h.coord.Snapshot(),
		Finalize: h.fin.Snapshot(),
	}
}

// WriteStats writes a human-readable stats report to w.
func (h *Heap) WriteStats(w io.Writer) error {
	s := h.Stats()
	p := message.NewPrinter(language.English)

	if _, err := p.Fprintf(w, "collections:        %d (total pause %v)\n", s.Collections, s.TotalPause); err != nil {
		return err
	}
	p.Fprintf(w, "live bytes:         %d of %d mapped (%d blocks)\n", s.LiveBytes, s.MappedBytes, s.BlockCount)
	p.Fprintf(w, "mutators:           %d registered, %d excluded lifetime\n", s.Mutators, s.Stop.Exclusions)
	p.Fprintf(w, "allocations:        %d (%d fast path, %d via sweep, %d grew)\n",
		s.Alloc.AllocCalls, s.Alloc.AllocFastPath, s.Alloc.AllocSwept, s.Alloc.AllocGrew)
	p.Fprintf(w, "large objects:      %d allocated, %d freed\n", s.Alloc.LargeAllocs, s.Alloc.LargeFrees)
	p.Fprintf(w, "bytes:              %d allocated, %d explicitly freed, %d reclaimed\n",
		s.Alloc.BytesAllocated, s.Alloc.BytesFreed, s.Sweep.BytesReclaimed)
	p.Fprintf(w, "last mark:          %d words scanned, %d objects, %d interior hits\n",
		s.Mark.WordsScanned, s.Mark.ObjectsMarked, s.Mark.InteriorHits)
	p.Fprintf(w, "blacklist:          %d pages, %d skips last mark\n", s.Blacklisted, s.Mark.BlacklistSkips)
	p.Fprintf(w, "sweep:              %d blocks (%d came up empty), %d pending\n",
		s.Sweep.BlocksSwept, s.Sweep.BlocksEmpty, s.PendingSweeps)
	p.Fprintf(w, "finalizers:         %d registered, %d ran, %d pending\n",
		s.Finalize.Registered, s.Finalize.Ran, s.PendingFinalizers)
	p.Fprintf(w, "segments:           %d mapped, %d unmapped, %d coalesces\n",
		s.Arena.SegmentsMapped, s.Arena.SegmentsUnmapped, s.Arena.Coalesces)
	return nil
}
