// Package mailcode turns arbitrary verification-mail bodies into a candidate
// 6-digit code, with false-positive suppression for colors, phone numbers,
// and similar digit runs.
package mailcode

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Matchers are ordered most-specific first: label-anchored patterns run
// before bare-digit patterns so a stray 6-digit number elsewhere in the mail
// cannot shadow the real code.
var matchers = []*regexp.Regexp{
	// "verification code is 482913", "security code: 482913", "验证码 482913"
	regexp.MustCompile(`(?i)(?:verification|security|confirmation|one.time)\s*code[^0-9]{0,20}(\d{6})`),
	regexp.MustCompile(`验证码[^0-9]{0,10}(\d{6})`),
	// trailing "... is 482913" / "... 为 482913"
	regexp.MustCompile(`(?i)(?:\bis|为)[:：]?\s+(\d{6})(?:\D|$)`),
	// a 6-digit code sitting alone on its own line
	regexp.MustCompile(`(?m)^[ \t]*(\d{6})[ \t]*\r?$`),
	// 6 digits wedged directly between markup delimiters
	regexp.MustCompile(`>\s*(\d{6})\s*<`),
}

var (
	hexColorPattern = regexp.MustCompile(`#[0-9a-fA-F]*\d`)
	cssTokenPattern = regexp.MustCompile(`(?i)(?:color\s*:|rgba?\s*\(|hsl\s*\()`)
	longRunPattern  = regexp.MustCompile(`\d{7,}`)
)

const exclusionWindow = 20

// Extract returns the first 6-digit code found in text that survives the
// exclusion filters, and whether one was found.
func Extract(text string) (string, bool) {
	for _, re := range matchers {
		locs := re.FindAllStringSubmatchIndex(text, -1)
		for _, loc := range locs {
			// loc[2]:loc[3] is the capture group.
			start, end := loc[2], loc[3]
			if start < 0 {
				continue
			}
			if excluded(text, start, end) {
				continue
			}
			return text[start:end], true
		}
	}
	return "", false
}

// excluded inspects the surrounding window of a candidate match for signals
// that the digits are not a verification code: hex colors, CSS color tokens,
// and 7+ digit runs (phone numbers, postal codes, order IDs).
func excluded(text string, start, end int) bool {
	lo := start - exclusionWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + exclusionWindow
	if hi > len(text) {
		hi = len(text)
	}
	window := text[lo:hi]

	if hexColorPattern.MatchString(window) {
		return true
	}
	if cssTokenPattern.MatchString(window) {
		return true
	}
	if longRunPattern.MatchString(window) {
		return true
	}
	return false
}

// ExtractFromMail runs the extractor against both renderings of a mail body:
// the raw markup (codes sometimes sit directly between tags) and a
// markup-stripped plain-text version. The plain-text part, when the mail
// carries one, is consulted last.
func ExtractFromMail(htmlBody, textBody string) (string, bool) {
	if htmlBody != "" {
		if code, ok := Extract(htmlBody); ok {
			return code, true
		}
		if stripped := stripMarkup(htmlBody); stripped != "" {
			if code, ok := Extract(stripped); ok {
				return code, true
			}
		}
	}
	if textBody != "" {
		if code, ok := Extract(textBody); ok {
			return code, true
		}
	}
	return "", false
}

// stripMarkup renders an HTML body down to its visible text. Falls back to
// the raw input when parsing fails.
func stripMarkup(htmlBody string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return htmlBody
	}
	// Style and script content would poison the digit scan.
	doc.Find("style,script").Remove()
	return doc.Text()
}
