// Package fingerprint builds normalized match keys for duplicate detection.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidPhone is returned for input that cannot be an E.164 number.
var ErrInvalidPhone = eris.New("fingerprint: invalid phone number")

// legalSuffixes are dropped from names before matching.
var legalSuffixes = map[string]bool{
	"llc": true, "inc": true, "incorporated": true, "corp": true, "corporation": true,
	"ltd": true, "limited": true, "lp": true, "llp": true, "pc": true, "pa": true,
	"co": true, "company": true, "plc": true, "pllc": true, "dba": true,
}

var (
	nonAlnumRe = regexp.MustCompile(`[^a-z0-9 ]+`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// Generator computes fingerprints. It satisfies model.Fingerprinter.
type Generator struct {
	DefaultCountryCode string
}

// New returns a Generator that assumes cc for numbers without a country code.
func New(cc string) *Generator {
	if cc == "" {
		cc = "1"
	}
	return &Generator{DefaultCountryCode: strings.TrimPrefix(cc, "+")}
}

// Phone normalizes raw to E.164 and returns it with its fingerprint.
func (g *Generator) Phone(raw string) (string, string, error) {
	e164, err := NormalizePhone(raw, g.DefaultCountryCode)
	if err != nil {
		return "", "", err
	}
	return e164, hash("ph", e164), nil
}

// Name returns the name fingerprint, or "" for a blank name.
func (g *Generator) Name(name string) string {
	n := NormalizeName(name)
	if n == "" {
		return ""
	}
	return hash("nm", n)
}

// Email returns the email fingerprint, or "" when email is not usable.
func (g *Generator) Email(email string) string {
	e := NormalizeEmail(email)
	if e == "" {
		return ""
	}
	return hash("em", e)
}

// NormalizePhone converts raw input into E.164 form. Numbers without a
// country code are read in the region that owns calling code cc. An
// extension is dropped from the result.
func NormalizePhone(raw, cc string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	region := phonenumbers.UNKNOWN_REGION
	if n, err := strconv.Atoi(strings.TrimPrefix(cc, "+")); err == nil {
		region = phonenumbers.GetRegionCodeForCountryCode(n)
	}

	num, err := phonenumbers.Parse(s, region)
	if err != nil {
		return "", eris.Wrapf(ErrInvalidPhone, "%q: %v", raw, err)
	}
	// Possible rather than valid: the carrier lookup decides whether a
	// well-formed number is actually assigned.
	if phonenumbers.IsPossibleNumberWithReason(num) != phonenumbers.IS_POSSIBLE {
		return "", eris.Wrapf(ErrInvalidPhone, "%q", raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// NormalizeName folds diacritics and case, strips punctuation and legal
// suffixes, and sorts the remaining tokens.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	folded = strings.ReplaceAll(folded, "&", " and ")
	folded = strings.ReplaceAll(folded, ".", "")
	folded = nonAlnumRe.ReplaceAllString(folded, " ")
	folded = spaceRe.ReplaceAllString(strings.TrimSpace(folded), " ")
	if folded == "" {
		return ""
	}

	tokens := strings.Split(folded, " ")
	kept := tokens[:0]
	for _, tok := range tokens {
		if !legalSuffixes[tok] {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}

// NormalizeEmail lowercases and strips sub-addressing. Gmail dots are removed.
func NormalizeEmail(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(e, "@")
	if at <= 0 || at == len(e)-1 {
		return ""
	}
	local, domain := e[:at], e[at+1:]
	if i := strings.Index(local, "+"); i >= 0 {
		local = local[:i]
	}
	if domain == "googlemail.com" {
		domain = "gmail.com"
	}
	if domain == "gmail.com" {
		local = strings.ReplaceAll(local, ".", "")
	}
	if local == "" {
		return ""
	}
	return local + "@" + domain
}

// NameSimilarity returns the trigram Jaccard similarity of two names in [0,1].
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ta, tb := trigrams(na), trigrams(nb)
	inter := 0
	for g := range ta {
		if tb[g] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func trigrams(s string) map[string]bool {
	s = "  " + s + " "
	out := make(map[string]bool, len(s))
	r := []rune(s)
	for i := 0; i+3 <= len(r); i++ {
		out[string(r[i:i+3])] = true
	}
	return out
}

func hash(kind, value string) string {
	sum := sha256.Sum256([]byte(value))
	return kind + "_" + hex.EncodeToString(sum[:12])
}
