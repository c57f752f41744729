package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// WatchCondition is one subscriber's rule: alert when the surname's price
// falls to or below Threshold. Conditions are never edited in place.
type WatchCondition struct {
	ID         string    `json:"id"`
	Subscriber int64     `json:"subscriber"`
	Surname    string    `json:"surname"`
	Threshold  float64   `json:"threshold"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks condition field constraints.
func (c *WatchCondition) Validate() error {
	if c.ID == "" {
		return errors.New("condition ID must not be empty")
	}
	if strings.TrimSpace(c.Surname) == "" {
		return errors.New("condition surname must not be empty")
	}
	if strings.ContainsAny(c.Surname, " \t\n") {
		return errors.New("condition surname must be a single token")
	}
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) || c.Threshold <= 0 {
		return errors.New("condition threshold must be a positive number")
	}
	return nil
}

// Key returns the case-folded surname used for matching.
func (c *WatchCondition) Key() string {
	return strings.ToLower(c.Surname)
}

// MatchResult describes the quote that satisfied a condition.
type MatchResult struct {
	EventID     string
	Participant string
	Source      string
	Price       float64
	Start       time.Time
}
