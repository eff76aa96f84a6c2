package qptrie

// memUsage is a full accounting breakdown of a trie's memory: cell counts
// by state, chunk count, and an estimate of the bytes backing them, rather
// than just a single byte total.
type memUsage struct {
	Leaves     uint64
	Live       uint64
	Used       uint64
	Hold       uint64
	Free       uint64
	NodeSize   int
	ChunkSize  int
	Chunks     int
	Fragmented bool
	Bytes      uint64
}

func (w *Writer) memusage() memUsage {
	mu := memUsage{
		Leaves:     w.leafCount,
		Live:       w.usedCount - w.freeCount,
		Used:       w.usedCount,
		Hold:       w.holdCount,
		Free:       w.freeCount,
		NodeSize:   nodeSize,
		ChunkSize:  w.policy.ChunkSize,
		Fragmented: w.needGC(),
	}
	for id := 0; id < w.chunkMax; id++ {
		if w.base.get(chunkID(id)) != nil {
			mu.Chunks++
		}
	}
	mu.Bytes = uint64(mu.Chunks*w.policy.ChunkSize*nodeSize) +
		uint64(w.chunkMax)*8 /* *chunk pointer */ +
		uint64(w.chunkMax)*chunkUsageSize
	return mu
}

const chunkUsageSize = 24 // conservative estimate of chunkUsage's packed size

// needGC reports whether accumulated garbage exceeds the auto-GC
// threshold; see Writer.maybeAutoGC.
func (w *Writer) needGC() bool {
	return w.freeCount > w.holdCount+w.usedCount/uint64(w.policy.AutoGCFreeRatio)
}

// Memusage returns a full accounting snapshot of the writer's chunk and
// cell usage.
func (w *Writer) Memusage() memUsage {
	return w.memusage()
}
