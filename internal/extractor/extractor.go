// Package extractor classifies inbound e-mails and pulls gift card codes,
// amounts and order ids out of their text.
package extractor

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/models"
)

var (
	candidatePattern = regexp.MustCompile(`\b[A-Z0-9]+(?:-[A-Z0-9]+)*\b`)
	amountPattern    = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	orderPattern     = regexp.MustCompile(`(?i)\border\s*(?:#|number|no\.?|id)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{3,})`)
	blankLines       = regexp.MustCompile(`\n{3,}`)
)

// Options tunes classification and code validation
type Options struct {
	MinCodeLength    int
	MaxCodeLength    int
	SenderFilters    []string
	DeliveryKeywords []string
	PurchaseKeywords []string
	PairingRange     int
}

// DefaultOptions returns the stock keyword lists and a 12-20 code length
func DefaultOptions() Options {
	return Options{
		MinCodeLength:    12,
		MaxCodeLength:    20,
		DeliveryKeywords: []string{"gift card", "egift", "e-gift", "claim code", "redeem"},
		PurchaseKeywords: []string{"order confirmation", "thank you for your order", "order #", "order number", "your order"},
		PairingRange:     200,
	}
}

// OptionsFromConfig maps the extraction config section onto Options
func OptionsFromConfig(cfg config.ExtractionConfig) Options {
	opts := DefaultOptions()
	if cfg.MinCodeLength > 0 {
		opts.MinCodeLength = cfg.MinCodeLength
	}
	if cfg.MaxCodeLength > 0 {
		opts.MaxCodeLength = cfg.MaxCodeLength
	}
	if len(cfg.DeliveryKeywords) > 0 {
		opts.DeliveryKeywords = cfg.DeliveryKeywords
	}
	if len(cfg.PurchaseKeywords) > 0 {
		opts.PurchaseKeywords = cfg.PurchaseKeywords
	}
	if cfg.AmountPairingRange > 0 {
		opts.PairingRange = cfg.AmountPairingRange
	}
	opts.SenderFilters = cfg.SenderFilters
	return opts
}

// Extracted is one validated code with its best-effort value
type Extracted struct {
	Code  string
	Value decimal.Decimal
}

// Extractor applies the heuristics in Options
type Extractor struct {
	opts Options
}

// New creates an extractor
func New(opts Options) *Extractor {
	return &Extractor{opts: opts}
}

// Text returns the searchable text of msg: the plain body plus the HTML body
// rendered to text
func (e *Extractor) Text(msg models.EmailMessage) string {
	var parts []string
	if strings.TrimSpace(msg.Body) != "" {
		parts = append(parts, msg.Body)
	}
	if strings.TrimSpace(msg.HTMLBody) != "" {
		parts = append(parts, HTMLToPlainText(msg.HTMLBody))
	}
	return strings.Join(parts, "\n")
}

// Classify guesses the type of msg from its sender, subject and text.
// A delivery classification requires at least one valid code.
func (e *Extractor) Classify(msg models.EmailMessage, text string) models.EmailType {
	if !e.senderAllowed(msg.From) {
		return models.EmailOther
	}

	haystack := strings.ToLower(msg.Subject + "\n" + text)
	if containsAny(haystack, e.opts.DeliveryKeywords) && len(e.ExtractCodes(text)) > 0 {
		return models.EmailGiftCardDelivery
	}
	if containsAny(haystack, e.opts.PurchaseKeywords) {
		return models.EmailPurchaseConfirmation
	}
	return models.EmailOther
}

// LooksLikeDelivery reports whether msg reads like a gift card delivery,
// whether or not a valid code could be extracted from it
func (e *Extractor) LooksLikeDelivery(msg models.EmailMessage, text string) bool {
	if !e.senderAllowed(msg.From) {
		return false
	}
	return containsAny(strings.ToLower(msg.Subject+"\n"+text), e.opts.DeliveryKeywords)
}

func (e *Extractor) senderAllowed(from string) bool {
	if len(e.opts.SenderFilters) == 0 {
		return true
	}
	return containsAny(strings.ToLower(from), e.opts.SenderFilters)
}

// ValidCode reports whether a normalized code has an allowed length, only
// uppercase letters and digits, and at least one of each
func (e *Extractor) ValidCode(code string) bool {
	if len(code) < e.opts.MinCodeLength || len(code) > e.opts.MaxCodeLength {
		return false
	}
	var letter, digit bool
	for _, r := range code {
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case r >= 'A' && r <= 'Z':
			letter = true
		default:
			return false
		}
	}
	return letter && digit
}

// NormalizeCode strips separators and uppercases a code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, code))
}

type span struct {
	start, end int
	code       string
	value      decimal.Decimal
}

// ExtractCodes returns the distinct valid codes in text in order of first
// appearance, each paired with the nearest dollar amount within the pairing
// range. Without a nearby amount it falls back to positional pairing when
// code and amount counts match, then to a lone amount, then to zero.
func (e *Extractor) ExtractCodes(text string) []Extracted {
	exclude := map[string]bool{}
	for _, id := range e.orderIDs(text) {
		exclude[NormalizeCode(id)] = true
	}

	var codes []span
	seen := map[string]bool{}
	for _, loc := range candidatePattern.FindAllStringIndex(text, -1) {
		code := NormalizeCode(text[loc[0]:loc[1]])
		if seen[code] || exclude[code] || !e.ValidCode(code) {
			continue
		}
		seen[code] = true
		codes = append(codes, span{start: loc[0], end: loc[1], code: code})
	}
	if len(codes) == 0 {
		return nil
	}

	amounts := findAmounts(text)
	out := make([]Extracted, len(codes))
	for i, c := range codes {
		value, ok := nearest(c, amounts, e.opts.PairingRange)
		if !ok {
			switch {
			case len(amounts) == len(codes):
				value = amounts[i].value
			case len(amounts) == 1:
				value = amounts[0].value
			default:
				value = decimal.Zero
			}
		}
		out[i] = Extracted{Code: c.code, Value: value}
	}
	return out
}

// ExtractOrderID returns the first retailer order id in text, or ""
func (e *Extractor) ExtractOrderID(text string) string {
	ids := e.orderIDs(text)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (e *Extractor) orderIDs(text string) []string {
	var ids []string
	for _, m := range orderPattern.FindAllStringSubmatch(text, -1) {
		id := strings.Trim(m[1], "-")
		if strings.IndexFunc(id, unicode.IsDigit) >= 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func findAmounts(text string) []span {
	var amounts []span
	for _, loc := range amountPattern.FindAllStringSubmatchIndex(text, -1) {
		raw := strings.ReplaceAll(text[loc[2]:loc[3]], ",", "")
		value, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		amounts = append(amounts, span{start: loc[0], end: loc[1], value: value})
	}
	return amounts
}

func nearest(c span, amounts []span, maxDistance int) (decimal.Decimal, bool) {
	type candidate struct {
		distance int
		index    int
	}
	var within []candidate
	for i, a := range amounts {
		d := distance(c, a)
		if d <= maxDistance {
			within = append(within, candidate{distance: d, index: i})
		}
	}
	if len(within) == 0 {
		return decimal.Zero, false
	}
	sort.SliceStable(within, func(i, j int) bool { return within[i].distance < within[j].distance })
	return amounts[within[0].index].value, true
}

func distance(a, b span) int {
	switch {
	case b.start >= a.end:
		return b.start - a.end
	case a.start >= b.end:
		return a.start - b.end
	}
	return 0
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// blockElements end a line when rendered as text
var blockElements = map[string]bool{
	"address": true, "article": true, "blockquote": true, "br": true, "div": true,
	"footer": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "header": true, "hr": true, "li": true, "ol": true, "p": true,
	"section": true, "table": true, "tbody": true, "tr": true, "ul": true,
}

// HTMLToPlainText converts an HTML body into searchable text. Every element
// boundary becomes a separator so text in adjacent elements never joins, and
// all entities are decoded.
func HTMLToPlainText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF, or malformed markup; keep what was read
			return tidyText(b.String())

		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}

		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			raw, _ := z.TagName()
			name := string(raw)
			if name == "script" || name == "style" || name == "head" {
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
				continue
			}
			if blockElements[name] {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
	}
}

// tidyText collapses runs of whitespace within lines and limits blank lines
func tidyText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
