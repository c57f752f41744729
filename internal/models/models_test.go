package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventValidate(t *testing.T) {
	start := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{
			name:  "valid event",
			event: Event{ID: "e1", Home: "Carlos Alcaraz", Away: "Jannik Sinner", Start: start, Score: 500},
		},
		{
			name:  "empty ID",
			event: Event{Home: "Carlos Alcaraz", Away: "Jannik Sinner", Start: start},
		},
		{
			name:    "missing participant",
			event:   Event{ID: "e1", Home: "Carlos Alcaraz", Start: start},
			wantErr: true,
		},
		{
			name:    "zero start",
			event:   Event{ID: "e1", Home: "Carlos Alcaraz", Away: "Jannik Sinner"},
			wantErr: true,
		},
		{
			name:    "non-UTC start",
			event:   Event{ID: "e1", Home: "A", Away: "B", Start: start.In(time.FixedZone("CET", 3600))},
			wantErr: true,
		},
		{
			name:    "NaN score",
			event:   Event{ID: "e1", Home: "A", Away: "B", Start: start, Score: math.NaN()},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Event.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name    string
		cond    WatchCondition
		wantErr bool
	}{
		{"valid", WatchCondition{ID: "c1", Surname: "Fritz", Threshold: 3.1}, false},
		{"empty ID", WatchCondition{Surname: "Fritz", Threshold: 3.1}, true},
		{"empty surname", WatchCondition{ID: "c1", Surname: " ", Threshold: 3.1}, true},
		{"two tokens", WatchCondition{ID: "c1", Surname: "Taylor Fritz", Threshold: 3.1}, true},
		{"zero threshold", WatchCondition{ID: "c1", Surname: "Fritz"}, true},
		{"negative threshold", WatchCondition{ID: "c1", Surname: "Fritz", Threshold: -1}, true},
		{"infinite threshold", WatchCondition{ID: "c1", Surname: "Fritz", Threshold: math.Inf(1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "WatchCondition.Validate() error = %v", err)
		})
	}
}

func TestSurname(t *testing.T) {
	assert.Equal(t, "nadal", Surname("Rafael NADAL"))
	assert.Equal(t, "sinner", Surname("Sinner"))
	assert.Equal(t, "auger-aliassime", Surname("  Felix   Auger-Aliassime "))
	assert.Equal(t, "", Surname(""))
	assert.Equal(t, "", Surname("   "))
}

func TestFormatName(t *testing.T) {
	assert.Equal(t, "C. Alcaraz", FormatName("Carlos Alcaraz"))
	assert.Equal(t, "A. Fokina", FormatName("Alejandro Davidovich Fokina"))
	assert.Equal(t, "Sinner", FormatName("Sinner"))
	assert.Equal(t, "", FormatName(""))
	assert.Equal(t, "É. Lastname", FormatName("Élodie Lastname"))
}

func TestEventPriceFor(t *testing.T) {
	e := Event{
		Sources: []Source{
			{Key: "a", Quotes: []Quote{{Participant: "Carlos Alcaraz", Price: 1.5}}},
			{Key: "b", Quotes: []Quote{{Participant: "Jannik Sinner", Price: 2.6}}},
		},
	}
	price, ok := e.PriceFor("Carlos Alcaraz")
	assert.True(t, ok)
	assert.Equal(t, 1.5, price)

	_, ok = e.PriceFor("Jannik Sinner")
	assert.False(t, ok, "only the first source is consulted")

	_, ok = (&Event{}).PriceFor("anyone")
	assert.False(t, ok)
}

func TestEventLive(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	assert.True(t, (&Event{Start: now}).Live(now))
	assert.True(t, (&Event{Start: now.Add(-time.Minute)}).Live(now))
	assert.False(t, (&Event{Start: now.Add(time.Minute)}).Live(now))
}
