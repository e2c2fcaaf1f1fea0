package protocol

import (
	"sort"
	"time"
)

// mergeKey identifies an event for outbox reconciliation. The outbox is
// written after an event fully resolves, so when the same key appears in
// both the stream and the outbox the outbox copy is kept.
type mergeKey struct {
	eventType EventType
	timestamp time.Time
}

func keyOf(evt *Event) mergeKey {
	return mergeKey{eventType: evt.EventType, timestamp: evt.Timestamp.UTC()}
}

// Reconcile merges a streamed event list with the durable outbox list.
//
//   - Streamed events whose (event_type, timestamp) key appears in the
//     outbox are replaced by the outbox copy.
//   - Outbox-only events (from crashed sessions) are appended.
//   - The merged list is sorted by timestamp ascending; ties preserve
//     arrival order, streamed before outbox-only.
//
// Every event present in either input appears exactly once in the output.
func Reconcile(streamed, outbox []*Event) []*Event {
	outboxIndex := make(map[mergeKey]*Event, len(outbox))
	for _, evt := range outbox {
		outboxIndex[keyOf(evt)] = evt
	}

	merged := make([]*Event, 0, len(streamed)+len(outbox))
	seen := make(map[mergeKey]bool, len(streamed))

	for _, evt := range streamed {
		k := keyOf(evt)
		if seen[k] {
			continue
		}
		if ob, ok := outboxIndex[k]; ok {
			merged = append(merged, ob)
		} else {
			merged = append(merged, evt)
		}
		seen[k] = true
	}

	for _, evt := range outbox {
		k := keyOf(evt)
		if seen[k] {
			continue
		}
		// Duplicate outbox lines collapse to the index entry, the same
		// copy that replaces a streamed twin.
		merged = append(merged, outboxIndex[k])
		seen[k] = true
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}
