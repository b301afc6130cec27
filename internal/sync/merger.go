// Package sync implements the reconciliation engine for one conversation:
// snapshot merging of the live-feed window, backwards pagination,
// optimistic send tracking, and the teardown-safe subscription lifecycle
// around them.
package sync

import (
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

// MatchWindowMillis is the time-proximity window used to correlate a
// provisional message with its confirmed counterpart when the transport
// does not echo the provisional id. Generous enough to absorb media
// upload latency, tight enough to keep rapid-fire messages apart.
const MatchWindowMillis = 10_000

// Merge reconciles the current store contents against a freshly-received
// live-feed batch and returns the new canonical list.
//
// Confirmed entries present in the batch are replaced by the batch copy
// (status kept monotonic, readBy united). Provisional entries are matched
// against the batch first by echoed provisional id, then by the
// sender/kind/time-window heuristic; a matched provisional is dropped in
// favor of its confirmed counterpart, an unmatched one stays visible.
// Batch entries matched to nothing are new arrivals and join as-is.
func Merge(current, incoming []models.Message) []models.Message {
	observability.IncMerge()

	batch := make([]models.Message, len(incoming))
	copy(batch, incoming)

	batchIdxByID := make(map[string]int, len(batch))
	batchIdxByProv := make(map[string]int, len(batch))
	for i, m := range batch {
		if m.ID != "" {
			batchIdxByID[m.ID] = i
		}
		if m.ProvisionalID != "" {
			batchIdxByProv[m.ProvisionalID] = i
		}
	}

	merged := make([]models.Message, 0, len(current)+len(batch))
	claimed := make(map[int]bool, len(batch))

	for _, cur := range current {
		if cur.Confirmed() {
			if i, ok := batchIdxByID[cur.ID]; ok {
				// The batch copy is authoritative for this window entry;
				// it is folded in during the batch pass below.
				batch[i] = reconcileConfirmed(cur, batch[i])
				observability.IncDuplicateDropped("live_window")
				continue
			}
			// Older than the feed window. Keep.
			merged = append(merged, cur)
			continue
		}

		if !cur.Provisional() {
			merged = append(merged, cur)
			continue
		}

		if i, matched := matchProvisional(cur, batch, batchIdxByProv, claimed); matched {
			claimed[i] = true
			batch[i] = adoptProvisional(cur, batch[i])
			observability.IncProvisionalReplaced()
			continue
		}

		// Still in flight, or sent from this device but not yet visible in
		// the feed window. Keep it so the user sees their own action.
		merged = append(merged, cur)
	}

	merged = append(merged, batch...)
	return store.Normalize(merged)
}

// matchProvisional finds the confirmed counterpart of a provisional entry.
// An echoed provisional id is decisive; otherwise the heuristic picks the
// unclaimed batch entry with the same sender and kind whose timestamp is
// within the window (and identical text for text kinds). With several
// candidates the closest in time wins and the ambiguity is counted.
func matchProvisional(prov models.Message, batch []models.Message, byProv map[string]int, claimed map[int]bool) (int, bool) {
	if i, ok := byProv[prov.ProvisionalID]; ok && !claimed[i] {
		return i, true
	}

	best := -1
	var bestDelta int64
	candidates := 0
	for i, b := range batch {
		if claimed[i] || !b.Confirmed() {
			continue
		}
		if b.SenderID != prov.SenderID || b.Kind != prov.Kind {
			continue
		}
		delta := b.CreatedAt - prov.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta >= MatchWindowMillis {
			continue
		}
		if prov.Kind == models.KindText && b.Text != prov.Text {
			continue
		}
		candidates++
		if best == -1 || delta < bestDelta {
			best = i
			bestDelta = delta
		}
	}

	if best == -1 {
		return 0, false
	}
	if candidates > 1 {
		observability.IncMergeAmbiguity()
	}
	return best, true
}

// reconcileConfirmed folds a stored confirmed entry into its fresher batch
// copy: status never regresses, readBy only grows, and the provisional id
// is dropped since a confirmed entry has completed the identifier swap.
func reconcileConfirmed(cur, fresh models.Message) models.Message {
	fresh.ProvisionalID = ""
	fresh.Status = models.MaxStatus(cur.Status, fresh.Status)
	fresh.ReadBy = models.MergeReadBy(fresh.ReadBy, cur.ReadBy)
	return fresh
}

// adoptProvisional completes the identifier swap: the confirmed entry
// becomes authoritative and the provisional id disappears. A confirmed
// counterpart is by definition at least sent.
func adoptProvisional(prov, confirmed models.Message) models.Message {
	confirmed.ProvisionalID = ""
	confirmed.Status = models.MaxStatus(models.StatusSent, confirmed.Status)
	confirmed.ReadBy = models.MergeReadBy(confirmed.ReadBy, prov.ReadBy)
	return confirmed
}
