package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// Keyword tables. Order of the urgency tiers matters: the first tier with a
// hit wins.
var (
	urgencyTiers = []struct {
		name    string
		level   int
		keyword []string
	}{
		{"critical", 10, []string{"urgent", "emergency", "critical", "immediately", "asap"}},
		{"high", 7, []string{"important", "quickly", "priority", "hurry"}},
		{"medium", 5, []string{"soon", "please help"}},
		{"low", 2, []string{"no rush", "eventually"}},
	}

	frustrationTerms = []string{
		"again", "still", "why", "ridiculous", "frustrated", "frustrating",
		"annoying", "seriously", "useless", "how many times",
	}
	frustrationMarks = []string{"!!", "??"}

	timePressureTerms = []string{
		"now", "today", "tonight", "deadline", "asap", "immediately",
		"right away", "end of day", "eod", "hurry", "quick",
	}

	errorTerms = []string{
		"error", "exception", "failed", "failure", "crash", "broken", "bug",
		"not working", "timeout", "fatal", "stack trace",
	}

	conjunctions = []string{
		"and", "or", "but", "also", "then", "plus", "additionally", "however",
		"because", "while",
	}
)

const (
	repeatWindow     = time.Hour
	errorWindow      = 30 * time.Minute
	complexityWindow = 5
)

// normalize lowercases s, strips punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Signature fingerprints an input so repeats aggregate on one record.
func Signature(input string) string {
	sum := sha256.Sum256([]byte(normalize(input)))
	return hex.EncodeToString(sum[:])[:32]
}

// hits counts the distinct terms present as whole words in padded, which
// must be a normalized string wrapped in single spaces.
func hits(padded string, terms []string) []string {
	var found []string
	for _, t := range terms {
		if strings.Contains(padded, " "+t+" ") {
			found = append(found, t)
		}
	}
	return found
}

func sentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// complexityScore is words + 2*sentences + 3*conjunctions.
func complexityScore(raw, norm string) int {
	words := strings.Fields(norm)
	conj := 0
	for _, w := range words {
		for _, c := range conjunctions {
			if w == c {
				conj++
				break
			}
		}
	}
	return len(words) + 2*len(sentences(raw)) + 3*conj
}

// detectInput is what every detector sees for one Analyze call.
type detectInput struct {
	raw          string
	norm         string
	padded       string
	now          time.Time
	prior        []historyEntry
	recentErrors int
	signature    string
}

type detector func(in *detectInput) (Detected, bool)

// detectors run in this order for every input.
var detectors = []detector{
	detectRepeatedRequest,
	detectErrorPattern,
	detectUrgencyEscalation,
	detectFrustration,
	detectTimePressure,
	detectComplexityIncrease,
}

func detectRepeatedRequest(in *detectInput) (Detected, bool) {
	if in.norm == "" {
		return Detected{}, false
	}
	cutoff := in.now.Add(-repeatWindow)
	count := 1
	for _, h := range in.prior {
		if h.norm == in.norm && !h.at.Before(cutoff) {
			count++
		}
	}
	if count < 2 {
		return Detected{}, false
	}
	action := ActionMonitor
	if count >= 3 {
		action = ActionEscalateAndResolve
	}
	return Detected{
		Type:    TypeRepeatedRequest,
		Urgency: min(3+2*count, MaxUrgency),
		Action:  action,
		Details: map[string]any{"repeat_count": count},
	}, true
}

// hasErrorTerm reports whether the input mentions an error.
func hasErrorTerm(padded string) bool {
	return len(hits(padded, errorTerms)) > 0
}

func detectErrorPattern(in *detectInput) (Detected, bool) {
	found := hits(in.padded, errorTerms)
	if len(found) == 0 {
		return Detected{}, false
	}
	action := ActionLogAndMonitor
	if in.recentErrors >= 3 {
		action = ActionTriggerSelfHealing
	}
	return Detected{
		Type:    TypeErrorPattern,
		Urgency: min(5+in.recentErrors, MaxUrgency),
		Action:  action,
		Details: map[string]any{"keywords": found, "recent_errors": in.recentErrors},
	}, true
}

func detectUrgencyEscalation(in *detectInput) (Detected, bool) {
	for _, tier := range urgencyTiers {
		found := hits(in.padded, tier.keyword)
		if len(found) == 0 {
			continue
		}
		if tier.level < 7 {
			return Detected{}, false
		}
		action := ActionPrioritize
		if tier.name == "critical" {
			action = ActionImmediateExecution
		}
		return Detected{
			Type:    TypeUrgencyEscalation,
			Urgency: tier.level,
			Action:  action,
			Details: map[string]any{"tier": tier.name, "keywords": found},
		}, true
	}
	return Detected{}, false
}

func detectFrustration(in *detectInput) (Detected, bool) {
	found := hits(in.padded, frustrationTerms)
	for _, m := range frustrationMarks {
		if strings.Contains(in.raw, m) {
			found = append(found, m)
		}
	}
	if len(found) < 2 {
		return Detected{}, false
	}
	return Detected{
		Type:    TypeFrustration,
		Urgency: 8,
		Action:  ActionEscalatePriorityAndResolve,
		Details: map[string]any{"indicators": found},
	}, true
}

func detectTimePressure(in *detectInput) (Detected, bool) {
	found := hits(in.padded, timePressureTerms)
	if len(found) == 0 {
		return Detected{}, false
	}
	return Detected{
		Type:    TypeTimePressure,
		Urgency: min(7+len(found), MaxUrgency),
		Action:  ActionImmediateExecution,
		Details: map[string]any{"keywords": found},
	}, true
}

func detectComplexityIncrease(in *detectInput) (Detected, bool) {
	prior := in.prior
	if len(prior) > complexityWindow {
		prior = prior[len(prior)-complexityWindow:]
	}
	if len(prior) == 0 {
		return Detected{}, false
	}
	total := 0
	for _, h := range prior {
		total += h.score
	}
	mean := float64(total) / float64(len(prior))
	score := complexityScore(in.raw, in.norm)
	if float64(score) <= 1.5*mean {
		return Detected{}, false
	}
	return Detected{
		Type:    TypeComplexityIncrease,
		Urgency: 6,
		Action:  ActionBreakDownAndExecute,
		Details: map[string]any{"score": score, "mean": mean, "parts": sentences(in.raw)},
	}, true
}

// runDetectors evaluates every detector in order and stamps the signature.
func runDetectors(in *detectInput) []Detected {
	var out []Detected
	for _, d := range detectors {
		if det, ok := d(in); ok {
			det.Signature = in.signature
			det.Urgency = clampUrgency(det.Urgency)
			out = append(out, det)
		}
	}
	return out
}

func clampUrgency(u int) int {
	return max(MinUrgency, min(u, MaxUrgency))
}
