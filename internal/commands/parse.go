// Package commands turns subscriber chat messages into condition store and
// watch loop operations. It knows nothing about the chat transport.
package commands

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrValidation is wrapped by every error caused by bad subscriber input.
var ErrValidation = errors.New("invalid input")

// Kind identifies a parsed command.
type Kind int

const (
	KindUnknown Kind = iota
	KindTopEvents
	KindAdd
	KindRemove
	KindRemoveAll
	KindList
	KindPing
	KindHelp
	// KindIgnored is free text that is not addressed to the bot.
	KindIgnored
)

// Command is a parsed subscriber message.
type Command struct {
	Kind      Kind
	Surname   string
	Threshold float64
}

const (
	usageSet     = "Usage: /setthreshold <surname> <price> (e.g. /setthreshold Fritz 3.10)"
	usageRemove  = "Usage: /remove <surname>"
	invalidPrice = "Invalid price. Use a positive number like 3.10"

	maxPriceLen = 32
	maxPriceExp = 18
)

// UsageError is a validation failure carrying the message shown to the subscriber.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return e.Usage }

func (e *UsageError) Unwrap() error { return ErrValidation }

func usage(msg string) error {
	return &UsageError{Usage: msg}
}

// Parse classifies one message. Slash commands may carry a @botname suffix.
// Plain "Surname Price" adds a condition and plain "remove all" clears them;
// any other free text is ignored.
func Parse(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{Kind: KindIgnored}, nil
	}

	if !strings.HasPrefix(fields[0], "/") {
		return parsePlain(fields)
	}

	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	args := fields[1:]

	switch name {
	case "t10t", "top10tennis":
		return Command{Kind: KindTopEvents}, nil
	case "setthreshold":
		if len(args) != 2 {
			return Command{}, usage(usageSet)
		}
		return parseAdd(args[0], args[1])
	case "remove":
		if len(args) != 1 {
			return Command{}, usage(usageRemove)
		}
		return Command{Kind: KindRemove, Surname: args[0]}, nil
	case "removeall":
		return Command{Kind: KindRemoveAll}, nil
	case "thresholds":
		return Command{Kind: KindList}, nil
	case "ping":
		return Command{Kind: KindPing}, nil
	case "help", "start":
		return Command{Kind: KindHelp}, nil
	default:
		return Command{Kind: KindUnknown}, nil
	}
}

func parsePlain(fields []string) (Command, error) {
	if len(fields) != 2 {
		return Command{Kind: KindIgnored}, nil
	}
	if strings.EqualFold(fields[0], "remove") && strings.EqualFold(fields[1], "all") {
		return Command{Kind: KindRemoveAll}, nil
	}
	if !looksNumeric(fields[1]) {
		return Command{Kind: KindIgnored}, nil
	}
	return parseAdd(fields[0], fields[1])
}

func parseAdd(surname, price string) (Command, error) {
	threshold, err := ParseThreshold(price)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: KindAdd, Surname: surname, Threshold: threshold}, nil
}

// ParseThreshold parses a strictly positive decimal price.
func ParseThreshold(s string) (float64, error) {
	if len(s) > maxPriceLen {
		return 0, usage(invalidPrice)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, usage(invalidPrice)
	}
	if d.Sign() <= 0 {
		return 0, usage(invalidPrice)
	}
	// Float64 expands 10^|exp| as a big.Int
	if exp := d.Exponent(); exp < -maxPriceExp || exp+int32(d.NumDigits()) > maxPriceExp {
		return 0, usage(invalidPrice)
	}
	f, _ := d.Float64()
	if f <= 0 || math.IsInf(f, 0) {
		return 0, usage(invalidPrice)
	}
	return f, nil
}

func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	switch c := s[0]; {
	case c >= '0' && c <= '9', c == '.', c == '-', c == '+':
		return true
	}
	return false
}

// String is used in logs.
func (k Kind) String() string {
	switch k {
	case KindTopEvents:
		return "top_events"
	case KindAdd:
		return "add_condition"
	case KindRemove:
		return "remove_condition"
	case KindRemoveAll:
		return "remove_all_conditions"
	case KindList:
		return "list_conditions"
	case KindPing:
		return "ping"
	case KindHelp:
		return "help"
	case KindIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}
