package qptrie

import "go.uber.org/zap"

// Policy bundles the package's tunables: chunk geometry, the fragmentation
// and growth thresholds the allocator and compactor use, and a couple of
// debug/observability knobs. There is no config file, CLI flag, or
// environment variable surface for any of this: a Policy is built in code
// via Option and passed to Create.
type Policy struct {
	// ChunkSize is the number of node cells per chunk. Must be a power of
	// two.
	ChunkSize int

	// MinUsed is the live-cell count below which a non-bump chunk is
	// considered fragmented.
	MinUsed int

	// MaxFree is the per-chunk free-cell count above which a bump chunk is
	// retired rather than reused.
	MaxFree int

	// GrowthFactor scales the chunk table's capacity (numerator/8) whenever
	// it must grow to hold a new chunk id.
	GrowthFactor int

	// AutoGCFreeRatio gates the automatic compact+recycle trigger after a
	// destructive free: compaction runs when free_count > hold_count +
	// used_count/AutoGCFreeRatio.
	AutoGCFreeRatio int

	// WriteProtect backs every chunk with an mmap'd region and sets each
	// existing chunk to PROT_READ when a transaction opens (except the bump
	// chunk that consecutive write transactions keep reusing), catching
	// accidental writes to shared immutable memory. PROT_READ|PROT_WRITE is
	// restored only just before a chunk is unmapped. Off by default: it
	// costs an mprotect call per existing chunk per transaction.
	WriteProtect bool

	// Logger receives Debug-level diagnostics for compaction, recycling,
	// rollback, and reclamation. Defaults to a no-op logger.
	Logger *zap.Logger

	// Reclaimer coordinates quiescent-state based reclamation across
	// multi-tries. Defaults to the package's built-in QSBR oracle.
	Reclaimer ReclamationCoordinator
}

// Option mutates a Policy being built by NewPolicy.
type Option func(*Policy)

const (
	defaultChunkSize       = 4096
	defaultMinUsed         = defaultChunkSize / 4
	defaultMaxFree         = defaultChunkSize / 4
	defaultGrowthFactor    = 12 // x1.5, expressed as eighths
	defaultAutoGCFreeRatio = 2
)

// NewPolicy builds a Policy from its defaults plus any supplied Options.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		ChunkSize:       defaultChunkSize,
		MinUsed:         defaultMinUsed,
		MaxFree:         defaultMaxFree,
		GrowthFactor:    defaultGrowthFactor,
		AutoGCFreeRatio: defaultAutoGCFreeRatio,
		Logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ChunkSize&(p.ChunkSize-1) != 0 {
		violation("ChunkSize %d is not a power of two", p.ChunkSize)
	}
	if p.Reclaimer == nil {
		p.Reclaimer = defaultQSBR
	}
	return p
}

func WithChunkSize(cells int) Option { return func(p *Policy) { p.ChunkSize = cells } }
func WithMinUsed(cells int) Option   { return func(p *Policy) { p.MinUsed = cells } }
func WithMaxFree(cells int) Option   { return func(p *Policy) { p.MaxFree = cells } }
func WithGrowthFactor(eighths int) Option {
	return func(p *Policy) { p.GrowthFactor = eighths }
}
func WithAutoGCFreeRatio(ratio int) Option {
	return func(p *Policy) { p.AutoGCFreeRatio = ratio }
}
func WithWriteProtect(enabled bool) Option { return func(p *Policy) { p.WriteProtect = enabled } }
func WithLogger(z *zap.Logger) Option      { return func(p *Policy) { p.Logger = z } }
func WithReclaimer(r ReclamationCoordinator) Option {
	return func(p *Policy) { p.Reclaimer = r }
}
