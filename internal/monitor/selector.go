package monitor

import (
	"sort"
	"time"

	"github.com/rewired-gh/oddswatch/internal/models"
)

// Select returns at most topN events starting within [now, now+window],
// ordered by score descending and then start ascending. Ties on both keys
// keep catalogue order. The input slice is not modified.
func Select(events []models.Event, now time.Time, window time.Duration, topN int) []models.Event {
	if topN <= 0 {
		return nil
	}
	cutoff := now.Add(window)

	upcoming := make([]models.Event, 0, len(events))
	for _, e := range events {
		if e.Start.Before(now) || e.Start.After(cutoff) {
			continue
		}
		upcoming = append(upcoming, e)
	}

	sort.SliceStable(upcoming, func(i, j int) bool {
		if upcoming[i].Score != upcoming[j].Score {
			return upcoming[i].Score > upcoming[j].Score
		}
		return upcoming[i].Start.Before(upcoming[j].Start)
	})

	if len(upcoming) > topN {
		upcoming = upcoming[:topN]
	}
	return upcoming
}
