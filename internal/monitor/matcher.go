package monitor

import (
	"github.com/rewired-gh/oddswatch/internal/models"
)

// Match scans events, then sources, then quotes in order and returns the
// first quote whose participant surname equals the condition's surname
// (case-insensitive) and whose price is at or below the threshold.
// The first satisfying quote wins even if a later one is lower.
func Match(events []models.Event, cond models.WatchCondition) (models.MatchResult, bool) {
	key := cond.Key()
	if key == "" {
		return models.MatchResult{}, false
	}

	for _, e := range events {
		for _, src := range e.Sources {
			for _, q := range src.Quotes {
				if models.Surname(q.Participant) != key {
					continue
				}
				if q.Price <= cond.Threshold {
					return models.MatchResult{
						EventID:     e.ID,
						Participant: q.Participant,
						Source:      src.Title,
						Price:       q.Price,
						Start:       e.Start,
					}, true
				}
			}
		}
	}
	return models.MatchResult{}, false
}
