// Package models defines the core domain entities: events, quotes, watch conditions and matches.
package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Quote is a decimal price offered for one participant by one source.
type Quote struct {
	Participant string  `json:"participant"`
	Price       float64 `json:"price"`
}

// Source is a single bookmaker's set of quotes for an event, in payload order.
type Source struct {
	Key    string  `json:"key"`
	Title  string  `json:"title"`
	Quotes []Quote `json:"quotes"`
}

// Event represents one upcoming (or just started) match from the catalogue.
// Events are rebuilt on every fetch and are never modified afterwards.
type Event struct {
	ID       string    `json:"id"`
	SportKey string    `json:"sport_key"`
	Home     string    `json:"home"`
	Away     string    `json:"away"`
	Start    time.Time `json:"start"`
	Score    float64   `json:"score"`
	Sources  []Source  `json:"sources"`
}

// Validate checks event field constraints.
func (e *Event) Validate() error {
	if e.Home == "" || e.Away == "" {
		return errors.New("event participants must not be empty")
	}
	if e.Start.IsZero() {
		return errors.New("event start must be set")
	}
	if e.Start.Location() != time.UTC {
		return errors.New("event start must be in UTC")
	}
	if math.IsNaN(e.Score) || math.IsInf(e.Score, 0) {
		return errors.New("event score must be finite")
	}
	return nil
}

// Live reports whether the event has already started at now.
func (e *Event) Live(now time.Time) bool {
	return !e.Start.After(now)
}

// PriceFor returns the first source's quote for the exact participant name.
func (e *Event) PriceFor(participant string) (float64, bool) {
	if len(e.Sources) == 0 {
		return 0, false
	}
	for _, q := range e.Sources[0].Quotes {
		if q.Participant == participant {
			return q.Price, true
		}
	}
	return 0, false
}

// Surname returns the lower-cased last whitespace-delimited token of name.
func Surname(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

// FormatName shortens "Carlos Alcaraz" to "C. Alcaraz".
func FormatName(name string) string {
	fields := strings.Fields(name)
	if len(fields) < 2 {
		return name
	}
	first := []rune(fields[0])
	return string(first[0]) + ". " + fields[len(fields)-1]
}
