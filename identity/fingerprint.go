package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"pricewatch/models"
)

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
)

// NormalizeTerm lower-cases a search term and collapses punctuation and
// whitespace, so "AirPods  Pro!" and "airpods pro" compare equal.
func NormalizeTerm(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = nonAlnumRegex.ReplaceAllString(term, " ")
	term = multiSpaceRegex.ReplaceAllString(term, " ")
	return strings.TrimSpace(term)
}

// Slug is NormalizeTerm joined with dashes, safe for object keys.
func Slug(term string) string {
	s := strings.ReplaceAll(NormalizeTerm(term), " ", "-")
	if s == "" {
		return "_"
	}
	return s
}

// Fingerprint hashes the observable content of a snapshot: item ids, prices
// and statuses, independent of listing order. Two fetches that saw the same
// market produce the same fingerprint.
func Fingerprint(snap *models.Snapshot) string {
	lines := make([]string, 0, len(snap.Listings))
	for _, l := range snap.Listings {
		lines = append(lines, fmt.Sprintf("%s|%d|%s|%s", l.ItemID, l.Price.Amount, l.Price.Currency, l.Status))
	}
	sort.Strings(lines)

	input := NormalizeTerm(snap.SearchTerm) + "\n" + strings.Join(lines, "\n")
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}
