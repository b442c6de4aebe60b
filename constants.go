package cowdisk

// SectorSize is the fixed virtual and physical sector size in bytes (§3, §6).
const SectorSize = 512

// LeafFanout is the number of 32-bit sector offsets held by one leaf block (§3).
const LeafFanout = 4096

// PagesPerLeaf is the number of fixed-size pages backing one leaf-cache entry (§3).
// Each page holds PageSize bytes; PagesPerLeaf * PageSize == LeafFanout * 4.
const PagesPerLeaf = 8

// PageSize is the size in bytes of one leaf-cache page.
const PageSize = (LeafFanout * 4) / PagesPerLeaf

// DefaultGrainSize is the default number of 512-byte sectors per grain (§3).
const DefaultGrainSize = 1

// LeafCacheCapacity is the fully-associative leaf-entry cache's fixed capacity (§4.1).
const LeafCacheCapacity = 32

// MaxRedoLogs is the maximum number of redo logs a chain may hold above the base disk (§6).
const MaxRedoLogs = 32

// HandleTableSize is the fixed number of slots in the process-wide chain-handle table (§4.8).
const HandleTableSize = 512

// MinRedoLogFileSizeMB and MaxRedoLogFileSizeMB are the redo-log file size
// bounds of §6. Neither CreateRedoLog nor the allocator enforces them.
const (
	MinRedoLogFileSizeMB = 4
	MaxRedoLogFileSizeMB = 2048
)

// FreeSpaceMarginKB is the free-space margin of §6. No write path checks it.
const FreeSpaceMarginKB = 4096

// FileGrowthIncrementSectors is the fixed increment, in sectors, the backing file grows by
// whenever an allocation would pass the currently allocated length (§4.2).
const FileGrowthIncrementSectors = 2048 // 1 MiB per growth step

// LeafCacheWriteLockTimeoutMS is the leaf-cache entry write-lock wait timeout
// of §7. Nothing reads it: leafcache.Lookup waits without a time bound.
const LeafCacheWriteLockTimeoutMS = 5000

// CowdMagic is the fixed magic value identifying a redo-log header (§6): "COWD".
const CowdMagic uint32 = 0x44574F43

// HeaderVersion is the only on-disk header version this engine supports (§6).
const HeaderVersion uint32 = 1

// Header flag bits (§6).
const (
	FlagIsRoot       uint32 = 1 << 0 // this-is-a-root: no parent
	FlagWasCheckable uint32 = 1 << 1 // was-check-capable
	FlagInconsistent uint32 = 1 << 2 // set between open and clean close
)
