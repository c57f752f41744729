package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/storage"
)

// Store is the subset of the condition store used by commands.
type Store interface {
	Add(subscriber int64, surname string, threshold float64) (models.WatchCondition, error)
	Remove(subscriber int64, surname string) (int, error)
	Clear(subscriber int64) (int, error)
	List(subscriber int64) []models.WatchCondition
}

// Watcher is the subset of the watch loop used by commands.
type Watcher interface {
	TopEvents(ctx context.Context) ([]models.Event, error)
	CheckCondition(ctx context.Context, cond models.WatchCondition) (bool, error)
}

const (
	msgPersistWarning = "Warning: your change is active but could not be saved. It may be lost if the bot restarts."
	msgFetchFailed    = "Could not fetch matches right now, please try again shortly."
	msgNoMatches      = "No upcoming matches found."
	msgUnknown        = "Unknown command. Send /help for the list of commands."

	helpText = `Commands:
/t10t - top tennis matches in the next 3 days
/setthreshold <surname> <price> - alert when the price drops to <price> or below
<Surname> <price> - same as /setthreshold
/thresholds - list your thresholds
/remove <surname> - remove thresholds for a player
/removeall or "remove all" - remove all your thresholds
/ping - check the bot is alive`
)

// Handler executes parsed commands for one subscriber at a time. It is safe
// for concurrent use.
type Handler struct {
	store   Store
	watcher Watcher
	now     func() time.Time

	// mu is held shared by every Handle call and exclusively by Close.
	mu     sync.RWMutex
	closed bool
	checks sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(store Store, watcher Watcher) *Handler {
	return &Handler{
		store:   store,
		watcher: watcher,
		now:     time.Now,
	}
}

// Wait blocks until every immediate check started by Handle has finished.
func (h *Handler) Wait() {
	h.checks.Wait()
}

// Close waits for in-flight commands and immediate checks. Messages handled
// after Close are dropped without touching the store.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.checks.Wait()
}

// Handle parses text and passes the replies for subscriber to reply, in
// order. Follow-up work such as the immediate check of a new condition starts
// only after every reply has been passed on. Validation failures become a
// usage reply and are only logged at debug.
func (h *Handler) Handle(ctx context.Context, subscriber int64, text string, reply func(string)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed || ctx.Err() != nil {
		logger.Debug("Dropping message from %d during shutdown", subscriber)
		return
	}

	replies, followUp := h.execute(ctx, subscriber, text)
	for _, r := range replies {
		reply(r)
	}
	if followUp == nil {
		return
	}
	h.checks.Add(1)
	go func() {
		defer h.checks.Done()
		followUp()
	}()
}

func (h *Handler) execute(ctx context.Context, subscriber int64, text string) ([]string, func()) {
	cmd, err := Parse(text)
	if err != nil {
		var ue *UsageError
		if errors.As(err, &ue) {
			logger.Debug("Rejected input from %d: %v", subscriber, err)
			return []string{ue.Usage}, nil
		}
		return []string{err.Error()}, nil
	}

	logger.Debug("Command %s from %d", cmd.Kind, subscriber)

	switch cmd.Kind {
	case KindTopEvents:
		return h.topEvents(ctx, subscriber), nil
	case KindAdd:
		return h.add(ctx, subscriber, cmd.Surname, cmd.Threshold)
	case KindRemove:
		return h.remove(subscriber, cmd.Surname), nil
	case KindRemoveAll:
		return h.removeAll(subscriber), nil
	case KindList:
		return h.list(subscriber), nil
	case KindPing:
		return []string{"Pong"}, nil
	case KindHelp:
		return []string{helpText}, nil
	case KindIgnored:
		return nil, nil
	default:
		return []string{msgUnknown}, nil
	}
}

func (h *Handler) add(ctx context.Context, subscriber int64, surname string, threshold float64) ([]string, func()) {
	cond, err := h.store.Add(subscriber, surname, threshold)
	if err != nil && !errors.Is(err, storage.ErrPersistence) {
		logger.Debug("Rejected condition from %d: %v", subscriber, err)
		return []string{usageSet}, nil
	}

	replies := []string{
		fmt.Sprintf("Threshold set: %s < %s", cond.Surname, formatPrice(cond.Threshold)),
		"Got it! I'll monitor that player's odds and notify you when they drop to your threshold.",
	}
	if err != nil {
		logger.Error("Failed to persist new condition %s for %d: %v", cond.ID, subscriber, err)
		replies = append(replies, msgPersistWarning)
	}

	check := func() {
		fired, err := h.watcher.CheckCondition(ctx, cond)
		if err != nil {
			logger.Warn("Immediate check of condition %s failed: %v", cond.ID, err)
			return
		}
		if fired {
			logger.Info("Condition %s satisfied on creation", cond.ID)
		}
	}
	return replies, check
}

func (h *Handler) remove(subscriber int64, surname string) []string {
	n, err := h.store.Remove(subscriber, surname)
	if n == 0 && err == nil {
		return []string{fmt.Sprintf("No threshold found for %s.", surname)}
	}
	replies := []string{fmt.Sprintf("Removed threshold for %s.", surname)}
	if err != nil {
		logger.Error("Failed to persist removal for %d: %v", subscriber, err)
		replies = append(replies, msgPersistWarning)
	}
	return replies
}

func (h *Handler) removeAll(subscriber int64) []string {
	replies := []string{"All thresholds have been removed."}
	if _, err := h.store.Clear(subscriber); err != nil {
		logger.Error("Failed to persist clear for %d: %v", subscriber, err)
		replies = append(replies, msgPersistWarning)
	}
	return replies
}

func (h *Handler) list(subscriber int64) []string {
	conds := h.store.List(subscriber)
	if len(conds) == 0 {
		return []string{"You have no thresholds set."}
	}
	var b strings.Builder
	b.WriteString("Your thresholds:")
	for _, c := range conds {
		fmt.Fprintf(&b, "\n%s < %s", c.Surname, formatPrice(c.Threshold))
	}
	return []string{b.String()}
}

func (h *Handler) topEvents(ctx context.Context, subscriber int64) []string {
	events, err := h.watcher.TopEvents(ctx)
	if err != nil {
		logger.Warn("Failed to fetch top events for %d: %v", subscriber, err)
		return []string{msgFetchFailed}
	}
	if len(events) == 0 {
		return []string{msgNoMatches}
	}

	// latest condition wins when a surname is watched more than once
	watched := make(map[string]float64)
	for _, c := range h.store.List(subscriber) {
		watched[c.Key()] = c.Threshold
	}

	now := h.now().UTC()
	replies := make([]string, 0, len(events))
	for i, e := range events {
		replies = append(replies, formatEvent(i+1, e, now, watched))
	}
	return replies
}

func formatEvent(idx int, e models.Event, now time.Time, watched map[string]float64) string {
	home, away := models.FormatName(e.Home), models.FormatName(e.Away)
	live := ""
	if e.Live(now) {
		live = " 🔴 LIVE"
	}
	return fmt.Sprintf("%d. %s vs %s%s — %s\n   • %s\n   • %s",
		idx, home, away, live, e.Start.UTC().Format("Monday, 1504 UTC"),
		formatQuote(e, e.Home, watched),
		formatQuote(e, e.Away, watched))
}

func formatQuote(e models.Event, participant string, watched map[string]float64) string {
	price := "N/A"
	if p, ok := e.PriceFor(participant); ok {
		price = formatPrice(p)
	}
	line := fmt.Sprintf("%s: %s", models.FormatName(participant), price)
	if t, ok := watched[models.Surname(participant)]; ok {
		line += fmt.Sprintf(" (watch <%s)", formatPrice(t))
	}
	return line
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
