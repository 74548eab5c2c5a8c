// Package escalation decides when a conversation must be handed to a human.
// Classification is pure string matching with no I/O.
package escalation

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reason tags.
const (
	ReasonMessageLimit     = "message_limit"
	ReasonAlreadyEscalated = "already_escalated"
	keywordPrefix          = "keyword:"
)

// Policy controls what happens to a session after it escalates.
type Policy string

const (
	// PolicyHandoff answers every later turn with the hand-off acknowledgement.
	PolicyHandoff Policy = "handoff"
	// PolicyAssist only flags the session; generation continues.
	PolicyAssist Policy = "assist"
)

// ParsePolicy accepts "handoff" or "assist". Empty means handoff.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyHandoff:
		return PolicyHandoff, true
	case PolicyAssist:
		return PolicyAssist, true
	}
	return "", false
}

// DefaultTerms are used when no terms are configured.
var DefaultTerms = []string{
	"נציג",
	"בן אדם",
	"אדם אמיתי",
	"דחוף",
	"תלונה",
	"מנהל",
	"human",
	"agent",
	"representative",
}

// SessionContext is the accumulated state the detector may consider.
type SessionContext struct {
	Escalated    bool
	UserMessages int // user messages already committed, excluding the current one
}

// Decision is the classifier outcome.
type Decision struct {
	Escalate bool
	Reason   string
}

// Detector matches configured terms against the latest utterance.
type Detector struct {
	terms           []string // normalized, original order
	raw             []string
	maxUserMessages int
}

// NewDetector builds a Detector. Blank terms are ignored. maxUserMessages of
// zero disables the message-limit rule.
func NewDetector(terms []string, maxUserMessages int) *Detector {
	d := &Detector{maxUserMessages: maxUserMessages}
	for _, t := range terms {
		n := normalize(t)
		if n == "" {
			continue
		}
		d.terms = append(d.terms, n)
		d.raw = append(d.raw, strings.TrimSpace(t))
	}
	return d
}

// Terms returns the configured terms as given.
func (d *Detector) Terms() []string {
	return append([]string(nil), d.raw...)
}

// Classify returns escalate for any text containing a configured term. Terms
// are checked in configuration order and the first match names the reason.
func (d *Detector) Classify(text string, sc SessionContext) Decision {
	normalized := normalize(text)
	for i, term := range d.terms {
		if strings.Contains(normalized, term) {
			return Decision{Escalate: true, Reason: keywordPrefix + d.raw[i]}
		}
	}
	if sc.Escalated {
		return Decision{Escalate: true, Reason: ReasonAlreadyEscalated}
	}
	// The current message counts toward the limit.
	if d.maxUserMessages > 0 && sc.UserMessages+1 >= d.maxUserMessages {
		return Decision{Escalate: true, Reason: ReasonMessageLimit}
	}
	return Decision{}
}

var foldMarks = runes.Remove(runes.In(unicode.Mn))

// normalize lowercases, strips combining marks (Latin accents and Hebrew
// niqqud alike) and collapses whitespace.
func normalize(s string) string {
	t := transform.Chain(norm.NFD, foldMarks, norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
