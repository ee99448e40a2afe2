package model

// AggregateStatus derives a publication's status from its attempt logs.
//
// removed_on_platform rows are ignored, then the latest row per account decides:
// anything still queued or scheduled keeps the publication publishing, otherwise
// one published account is enough for published. With no rows at all the
// current status is kept; if every row was removed the publication failed.
func AggregateStatus(current PublicationStatus, logs []AttemptLog) PublicationStatus {
	if len(logs) == 0 {
		return current
	}

	latest := make(map[int64]AttemptLog, len(logs))
	for _, l := range logs {
		if l.Status == AttemptRemovedOnPlatform {
			continue
		}
		prev, ok := latest[l.AccountID]
		if !ok || newer(l, prev) {
			latest[l.AccountID] = l
		}
	}
	if len(latest) == 0 {
		return PublicationFailed
	}

	var inFlight, published bool
	for _, l := range latest {
		switch l.Status {
		case AttemptQueued, AttemptScheduled:
			inFlight = true
		case AttemptPublished:
			published = true
		}
	}

	switch {
	case inFlight:
		return PublicationPublishing
	case published:
		return PublicationPublished
	default:
		return PublicationFailed
	}
}

func newer(a, b AttemptLog) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
