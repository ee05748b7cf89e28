package chat

import "sort"

const (
	// CacheLimit bounds the number of messages retained per room.
	CacheLimit = 200

	// duplicateWindowMillis is the maximum timestamp spread between a
	// legacy-id copy and its canonical twin for them to fold into one.
	duplicateWindowMillis = 2000
)

// Merge reconciles the locally cached message set with a server-delivered
// batch. Delivery over long polling is at-least-once and occasionally
// reordered, and a just-sent message is inserted optimistically before the
// server echoes it back, so the merge must be idempotent and convergent.
//
// Identical ids keep the higher-timestamp variant (ties favor incoming)
// while filling fields the kept copy is missing, such as the origin IP known
// only server-side. Adjacent near-duplicates from the legacy id scheme fold
// into a single message. The result is sorted by timestamp ascending and
// trimmed to the newest CacheLimit entries.
func Merge(existing, incoming []Message) []Message {
	byID := make(map[string]Message, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	for _, m := range existing {
		if m.ID == "" {
			continue
		}
		if _, seen := byID[m.ID]; !seen {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		prev, seen := byID[m.ID]
		if !seen {
			order = append(order, m.ID)
			byID[m.ID] = m
			continue
		}
		if m.TS >= prev.TS {
			byID[m.ID] = fillMissing(m, prev)
		} else {
			byID[m.ID] = fillMissing(prev, m)
		}
	}

	merged := make([]Message, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].TS < merged[j].TS })

	deduped := foldLegacyDuplicates(merged)

	if len(deduped) > CacheLimit {
		deduped = deduped[len(deduped)-CacheLimit:]
	}
	return deduped
}

// fillMissing keeps winner's fields and copies over any the loser has that
// the winner lacks.
func fillMissing(winner, loser Message) Message {
	if winner.IP == "" {
		winner.IP = loser.IP
	}
	if !winner.Mine {
		winner.Mine = loser.Mine
	}
	if winner.Name == "" {
		winner.Name = loser.Name
	}
	if winner.Text == "" {
		winner.Text = loser.Text
	}
	return winner
}

// foldLegacyDuplicates collapses adjacent messages with equal author and
// text within duplicateWindowMillis of each other when at least one of the
// pair carries a legacy id.
func foldLegacyDuplicates(sorted []Message) []Message {
	deduped := make([]Message, 0, len(sorted))
	for _, m := range sorted {
		if len(deduped) == 0 {
			deduped = append(deduped, m)
			continue
		}
		prev := deduped[len(deduped)-1]
		sameAuthorText := prev.Text == m.Text && prev.Name == m.Name
		closeInTime := absMillis(prev.TS-m.TS) <= duplicateWindowMillis
		if sameAuthorText && closeInTime && (prev.legacyID() || m.legacyID()) {
			deduped[len(deduped)-1] = preferDuplicate(prev, m)
			continue
		}
		deduped = append(deduped, m)
	}
	return deduped
}

// preferDuplicate picks the survivor of a folded pair: non-legacy id first,
// then the copy carrying more server-known metadata, then the later
// timestamp.
func preferDuplicate(a, b Message) Message {
	if a.legacyID() != b.legacyID() {
		if a.legacyID() {
			return b
		}
		return a
	}
	if sa, sb := a.metadataScore(), b.metadataScore(); sa != sb {
		if sa > sb {
			return a
		}
		return b
	}
	if a.TS >= b.TS {
		return a
	}
	return b
}

// ApplyDirective filters messages against a moderation directive: ids in the
// deny-set are dropped, and with a cleared-before timestamp only messages
// strictly newer survive. A zero directive returns the input unchanged.
//
// Callers handling a freshly changed cleared-before timestamp should prefer
// the authoritative reset path (discard the whole cache and move the
// watermark) over filtering; this function is the filter half.
func ApplyDirective(messages []Message, directive Directive) []Message {
	if directive.ClearedBefore == 0 && len(directive.DeletedIDs) == 0 {
		return messages
	}
	deleted := make(map[string]struct{}, len(directive.DeletedIDs))
	for _, id := range directive.DeletedIDs {
		deleted[id] = struct{}{}
	}
	next := make([]Message, 0, len(messages))
	for _, m := range messages {
		if _, gone := deleted[m.ID]; gone {
			continue
		}
		if directive.ClearedBefore > 0 && m.TS <= directive.ClearedBefore {
			continue
		}
		next = append(next, m)
	}
	return next
}

func absMillis(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
