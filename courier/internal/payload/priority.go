package payload

import "sort"

// Priority is the derived ordering class of a payload. Higher wins.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityLog
	PrioritySnapshot
	PrioritySession
	PriorityCrash
)

func (p Priority) String() string {
	switch p {
	case PriorityCrash:
		return "crash"
	case PrioritySession:
		return "session"
	case PrioritySnapshot:
		return "snapshot"
	case PriorityLog:
		return "log"
	default:
		return "low"
	}
}

// PriorityOf derives the priority class from the classification fields.
func PriorityOf(env EnvelopeType, typ Type, complete bool) Priority {
	switch {
	case typ == TypeNativeCrash || env == EnvelopeCrash:
		return PriorityCrash
	case typ == TypeSession || env == EnvelopeSession:
		if complete {
			return PrioritySession
		}
		return PrioritySnapshot
	case typ == TypeLog || env == EnvelopeLog:
		return PriorityLog
	default:
		return PriorityLow
	}
}

// RetentionLess orders a before b when a should survive eviction longer:
// priority descending, then timestamp descending, then UUID ascending.
func RetentionLess(a, b Metadata) bool {
	if pa, pb := a.Priority(), b.Priority(); pa != pb {
		return pa > pb
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.UUID < b.UUID
}

// DeliveryLess orders a before b when a should be sent first: priority
// descending, then oldest first, then UUID ascending.
func DeliveryLess(a, b Metadata) bool {
	if pa, pb := a.Priority(), b.Priority(); pa != pb {
		return pa > pb
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.UUID < b.UUID
}

// SortForRetention sorts metas in place by RetentionLess.
func SortForRetention(metas []Metadata) {
	sort.SliceStable(metas, func(i, j int) bool { return RetentionLess(metas[i], metas[j]) })
}

// SortForDelivery sorts metas in place by DeliveryLess.
func SortForDelivery(metas []Metadata) {
	sort.SliceStable(metas, func(i, j int) bool { return DeliveryLess(metas[i], metas[j]) })
}
