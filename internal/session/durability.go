package session

// Durability selects how aggressively a commit's serialized payload is made
// crash-safe.
type Durability uint8

const (
	// DurabilityFull fsyncs the serialized payload before publishing the new
	// ring entry.
	DurabilityFull Durability = iota
	// DurabilityMemOnly never fsyncs; the backing file is removed once the
	// last participant closes.
	DurabilityMemOnly
	// DurabilityAsync defers the fsync to a background daemon goroutine
	// (§4.10); commits publish immediately and are made durable later,
	// bounded by a free-write-slot budget.
	DurabilityAsync
)

func (d Durability) String() string {
	switch d {
	case DurabilityFull:
		return "full"
	case DurabilityMemOnly:
		return "mem_only"
	case DurabilityAsync:
		return "async"
	default:
		return "unknown"
	}
}

// HistoryType enumerates the replication-history flavor recorded by the
// session initiator and checked against every joiner.
type HistoryType int8

const (
	HistoryNone HistoryType = iota
	HistoryOutOfRealm
	HistoryInRealm
	HistorySync
)

func (h HistoryType) String() string {
	switch h {
	case HistoryNone:
		return "none"
	case HistoryOutOfRealm:
		return "out_of_realm"
	case HistoryInRealm:
		return "in_realm"
	case HistorySync:
		return "sync"
	default:
		return "unknown"
	}
}

// historyCompatible implements the requested-vs-stored compatibility matrix
// from the coordinator open protocol. emptyFile indicates the database file
// was empty (size 0 / no committed versions yet) at the time of the check,
// which is the one case where a Sync request is allowed against a None
// stored type.
func historyCompatible(requested, stored HistoryType, emptyFile bool) bool {
	switch requested {
	case HistoryNone, HistoryOutOfRealm:
		return stored == HistoryNone
	case HistoryInRealm:
		return stored == HistoryNone || stored == HistoryInRealm
	case HistorySync:
		return stored == HistorySync || (stored == HistoryNone && emptyFile)
	default:
		return false
	}
}
