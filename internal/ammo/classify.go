// Package ammo decides whether a parsed feed row describes loaded ammunition we can catalog.
package ammo

import (
	"regexp"
	"strings"

	"github.com/ammofeeds/ingestor/model"
)

const (
	// ErrNonAmmoComponent marks reloading components sold under ammo-like titles.
	ErrNonAmmoComponent = "NON_AMMO_COMPONENT"
	// ErrNotAmmunition marks rows with no ammunition signal at all.
	ErrNotAmmunition = "NOT_AMMUNITION"
	// ErrMissingCaliber marks ammunition rows that cannot be ingested without a caliber.
	ErrMissingCaliber = "MISSING_CALIBER"
)

var (
	projectilePattern = regexp.MustCompile(`(?i)\b(projectiles?|bullets?\s+only|bullet\s+heads?|reloading|handload(ing|s)?|unprimed|primers?|once[- ]fired\s+brass|brass\s+cases?|reloading\s+components?)\b`)
	grainPattern      = regexp.MustCompile(`(?i)\b\d{1,4}(\.\d+)?\s*(gr|grain|grains)\b`)
	packSizePattern   = regexp.MustCompile(`(?i)\b(\d+\s*)?(rounds?|rds?)\b|\bbox\s+of\s+\d+\b|\b\d+\s*(ct|count)\b`)
	contextPattern    = regexp.MustCompile(`(?i)\b(ammo|ammunition|cartridges?|loads?|shells?|shotshells?)\b`)
)

// Verdict is the gate decision for one row.
type Verdict struct {
	Ingestible     bool
	BlockingErrors []string
}

// Classify applies the non-ammunition filter, then the required-field filter.
func Classify(row *model.ParsedRow) Verdict {
	title := strings.TrimSpace(row.Name)

	if projectilePattern.MatchString(title) {
		return reject(ErrNonAmmoComponent)
	}
	if Signals(row) == 0 {
		return reject(ErrNotAmmunition)
	}
	if model.StringValue(row.Caliber) == "" {
		return reject(ErrMissingCaliber)
	}
	return Verdict{Ingestible: true}
}

// Signals counts the independent hints that the row is ammunition.
func Signals(row *model.ParsedRow) int {
	title := row.Name
	n := 0
	if model.StringValue(row.Caliber) != "" {
		n++
	}
	if model.IntValue(row.GrainWeight) > 0 || grainPattern.MatchString(title) {
		n++
	}
	if model.IntValue(row.RoundCount) > 0 || packSizePattern.MatchString(title) {
		n++
	}
	if contextPattern.MatchString(title) {
		n++
	}
	return n
}

func reject(code string) Verdict {
	return Verdict{BlockingErrors: []string{code}}
}
