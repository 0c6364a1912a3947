package card

// Stats is a derived view of the item set, recomputed on every read.
type Stats struct {
	Queued       int  `json:"queued"`
	Processing   int  `json:"processing"`
	Complete     int  `json:"complete"`
	Failed       int  `json:"failed"`
	Duplicate    int  `json:"duplicate"`
	Total        int  `json:"total"`
	IsProcessing bool `json:"is_processing"`
	HasFailures  bool `json:"has_failures"`
}

// computeStats derives counts per status bucket. sweeping reports whether a
// dispatch sweep is actively running, which counts as processing even when
// no item has moved out of queued yet.
func computeStats(items []*WorkItem, sweeping bool) Stats {
	var s Stats
	for _, item := range items {
		s.Total++
		switch {
		case item.Status == StatusQueued:
			s.Queued++
		case item.Status.Processing():
			s.Processing++
		case item.Status == StatusComplete:
			s.Complete++
		case item.Status == StatusFailed:
			s.Failed++
		case item.Status == StatusDuplicate:
			s.Duplicate++
		}
	}
	s.IsProcessing = s.Queued > 0 || s.Processing > 0 || sweeping
	s.HasFailures = s.Failed > 0
	return s
}
