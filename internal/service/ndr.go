// internal/service/ndr.go
//
// Heuristic non-delivery-report matching. Everything in this file is a
// pure function over message text so the classification can be tested
// against a fixed corpus without touching the inbox.
package service

import (
	"html"
	"regexp"
	"strings"
)

// Vocabulary that shows up in delivery-failure notifications. A message is
// scored by how many of these it contains.
var bounceIndicators = []string{
	// Delivery failures
	"delivery", "delivered", "undeliverable", "undelivered", "failed", "failure",
	// Not found errors
	"not found", "notfound", "wasn't found", "was not found",
	// Rejection errors
	"rejected", "reject", "bounce", "bounced", "returned",
	// Status notifications
	"status notification", "delivery status", "mail delivery",
	// Common phrases
	"couldn't be", "could not be", "unable to",
	// System messages
	"mailer-daemon", "postmaster", "mail delivery subsystem",
	// Action required
	"action required", "action needed",
}

var subjectBounceKeywords = []string{"delivery", "undeliverable", "bounce", "failure", "rejected"}

var systemSenderTerms = []string{"mailer", "postmaster", "mail", "noreply", "no-reply", "daemon"}

// Addresses matching these are never treated as the bounced recipient.
var systemAddressTerms = []string{
	"mailer-daemon", "postmaster", "mail delivery", "noreply",
	"no-reply", "donotreply", "daemon", "mailer",
}

var (
	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?@[A-Za-z0-9](?:[A-Za-z0-9.-]*[A-Za-z0-9])?\.[A-Za-z]{2,}\b`)
	htmlTagPattern = regexp.MustCompile(`<[^>]+>`)
)

type reasonPattern struct {
	re     *regexp.Regexp
	reason string
}

var reasonPatterns = []reasonPattern{
	{regexp.MustCompile(`wasn['’]t\s+found`), "Recipient wasn't found"},
	{regexp.MustCompile(`couldn['’]t\s+be\s+delivered`), "Message couldn't be delivered"},
	{regexp.MustCompile(`could\s+not\s+be\s+delivered`), "Message could not be delivered"},
	{regexp.MustCompile(`mailbox\s+full`), "Mailbox full"},
	{regexp.MustCompile(`mailbox\s+quota`), "Mailbox quota exceeded"},
	{regexp.MustCompile(`invalid\s+(?:email\s+)?address`), "Invalid email address"},
	{regexp.MustCompile(`address\s+rejected`), "Address rejected"},
	{regexp.MustCompile(`domain\s+not\s+found`), "Domain not found"},
	{regexp.MustCompile(`user\s+unknown`), "User unknown"},
	{regexp.MustCompile(`recipient\s+rejected`), "Recipient rejected"},
	{regexp.MustCompile(`permanent\s+failure`), "Permanent delivery failure"},
	{regexp.MustCompile(`temporary\s+failure`), "Temporary delivery failure"},
	{regexp.MustCompile(`spam`), "Message rejected as spam"},
	{regexp.MustCompile(`blocked`), "Message blocked"},
}

// IsLikelyNDR decides whether an inbox message looks like a non-delivery
// report: multiple bounce indicators, or one indicator from a system-type
// sender, or an explicit bounce keyword in the subject.
func IsLikelyNDR(subject, bodyPreview, senderAddress string) bool {
	searchText := strings.ToLower(subject + " " + bodyPreview)

	indicatorCount := 0
	for _, indicator := range bounceIndicators {
		if strings.Contains(searchText, indicator) {
			indicatorCount++
		}
	}

	systemSender := false
	sender := strings.ToLower(senderAddress)
	for _, term := range systemSenderTerms {
		if strings.Contains(sender, term) {
			systemSender = true
			break
		}
	}

	if indicatorCount >= 2 || (indicatorCount >= 1 && systemSender) {
		return true
	}

	subjectLower := strings.ToLower(subject)
	for _, kw := range subjectBounceKeywords {
		if strings.Contains(subjectLower, kw) {
			return true
		}
	}
	return false
}

// StripHTML flattens an HTML body to searchable text: entities unescaped,
// tags removed, whitespace collapsed.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	text := html.UnescapeString(s)
	text = htmlTagPattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(text), " ")
}

// ExtractAddresses pulls every email address out of the combined message
// text, lowercased and deduplicated in order of appearance, excluding
// known system addresses.
func ExtractAddresses(text string) []string {
	seen := map[string]bool{}
	found := []string{}

	for _, match := range emailPattern.FindAllString(text, -1) {
		addr := strings.ToLower(strings.TrimSpace(match))
		if addr == "" || seen[addr] {
			continue
		}
		system := false
		for _, term := range systemAddressTerms {
			if strings.Contains(addr, term) {
				system = true
				break
			}
		}
		if system {
			continue
		}
		seen[addr] = true
		found = append(found, addr)
	}
	return found
}

// MatchRecipient resolves which campaign recipient the extracted addresses
// refer to. recipients maps the lowercased address to its original
// spelling. Strategies run in order — exact match, username+domain then
// username-only, substring containment — stopping at the first hit. An
// empty return means no match, which callers must tolerate.
func MatchRecipient(found []string, recipients map[string]string) string {
	// Strategy 1: exact (case-insensitive).
	for _, addr := range found {
		if original, ok := recipients[addr]; ok {
			return original
		}
	}

	// Strategy 2: username+domain, then username only.
	for _, addr := range found {
		at := strings.Index(addr, "@")
		if at < 0 {
			continue
		}
		username, domain := addr[:at], addr[at+1:]

		for campLower, original := range recipients {
			campAt := strings.Index(campLower, "@")
			if campAt < 0 {
				continue
			}
			campUser, campDomain := campLower[:campAt], campLower[campAt+1:]
			if username == campUser && domain == campDomain {
				return original
			}
			if username == campUser {
				return original
			}
		}
	}

	// Strategy 3: substring containment either way.
	for _, addr := range found {
		for campLower, original := range recipients {
			if strings.Contains(campLower, addr) || strings.Contains(addr, campLower) {
				return original
			}
		}
	}

	return ""
}

// ExtractBounceReason derives a human-readable reason from the message
// text: ordered phrase patterns first, then generic phrasings, finally the
// subject line itself.
func ExtractBounceReason(subject, allText string) string {
	textLower := strings.ToLower(allText)

	for _, p := range reasonPatterns {
		if p.re.MatchString(textLower) {
			return p.reason
		}
	}

	switch {
	case strings.Contains(textLower, "not found") || strings.Contains(textLower, "notfound"):
		return "Recipient not found"
	case strings.Contains(textLower, "couldn't") || strings.Contains(textLower, "couldn’t") ||
		strings.Contains(textLower, "could not"):
		return "Message could not be delivered"
	case strings.Contains(textLower, "rejected") || strings.Contains(textLower, "reject"):
		return "Message rejected"
	}

	if subject != "" {
		return subject
	}
	return "Delivery failed"
}
