package intent

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Intents the classifier can produce.
const (
	IntentSystemHealth        = "system_health"
	IntentClearCache          = "clear_cache"
	IntentBackupDatabase      = "backup_database"
	IntentFixError            = "fix_error"
	IntentPublishContent      = "publish_content"
	IntentDeleteContent       = "delete_content"
	IntentCreateContent       = "create_content"
	IntentUploadMedia         = "upload_media"
	IntentCreateUser          = "create_user"
	IntentGenerateReport      = "generate_report"
	IntentOptimizePerformance = "optimize_performance"
	IntentRunWorkflow         = "run_workflow"
	IntentUnknown             = "unknown"
)

// RegexConfidence is assigned to every pattern-table match.
const RegexConfidence = 0.9

type intentPattern struct {
	intent string
	re     *regexp.Regexp
}

// intentPatterns is evaluated in order; the first match wins.
var intentPatterns = []intentPattern{
	{IntentSystemHealth, regexp.MustCompile(`\b(system|server|service|site)\s+(health|status)\b|\bhealth\s*check\b|\bis\s+(the\s+)?(system|server|site|service)\s+(up|down|ok|healthy)\b`)},
	{IntentClearCache, regexp.MustCompile(`\b(clear|flush|purge|reset)\s+(the\s+|all\s+)?caches?\b`)},
	{IntentBackupDatabase, regexp.MustCompile(`\bback\s?up\s+(the\s+)?(database|db|data)\b|\b(database|db)\s+backup\b`)},
	{IntentFixError, regexp.MustCompile(`\b(fix|repair|resolve|debug)\b.*\b(errors?|bugs?|issues?|problems?|crash(es)?)\b`)},
	{IntentPublishContent, regexp.MustCompile(`\b(publish|go\s+live\s+with)\b`)},
	{IntentDeleteContent, regexp.MustCompile(`\b(delete|remove|unpublish)\b.*\b(content|article|post|page)s?\b`)},
	{IntentCreateContent, regexp.MustCompile(`\b(create|write|draft|compose)\b.*\b(content|article|post|page|blog)s?\b`)},
	{IntentUploadMedia, regexp.MustCompile(`\bupload\b.*\b(image|video|media|file|photo|picture)s?\b`)},
	{IntentCreateUser, regexp.MustCompile(`\b(create|add|register|invite)\b.*\b(user|account|member)s?\b`)},
	{IntentGenerateReport, regexp.MustCompile(`\b(generate|create|build|show|give)\b.*\breports?\b`)},
	{IntentOptimizePerformance, regexp.MustCompile(`\b(optimi[sz]e|speed\s+up|tune)\b|\bimprove\b.*\bperformance\b`)},
	{IntentRunWorkflow, regexp.MustCompile(`\b(run|execute|trigger|start)\b.*\bworkflow\b`)},
}

// intentKeywords backs the fallback overlap score.
var intentKeywords = map[string][]string{
	IntentSystemHealth:        {"health", "status", "system", "server", "uptime", "check", "monitor"},
	IntentClearCache:          {"cache", "clear", "flush", "purge", "memory"},
	IntentBackupDatabase:      {"backup", "database", "save", "snapshot", "restore"},
	IntentFixError:            {"fix", "error", "bug", "broken", "repair", "issue", "problem", "crash"},
	IntentPublishContent:      {"publish", "release", "live", "content", "article"},
	IntentDeleteContent:       {"delete", "remove", "content", "article", "post"},
	IntentCreateContent:       {"create", "write", "draft", "content", "article", "post", "blog"},
	IntentUploadMedia:         {"upload", "image", "video", "media", "file", "photo"},
	IntentCreateUser:          {"user", "account", "register", "signup", "member", "invite"},
	IntentGenerateReport:      {"report", "analytics", "statistics", "summary", "metrics"},
	IntentOptimizePerformance: {"optimize", "performance", "speed", "slow", "fast", "tune"},
	IntentRunWorkflow:         {"workflow", "run", "execute", "trigger", "automation"},
}

// keywordOrder fixes tie-breaking in the overlap fallback.
var keywordOrder = []string{
	IntentSystemHealth, IntentClearCache, IntentBackupDatabase, IntentFixError,
	IntentPublishContent, IntentDeleteContent, IntentCreateContent, IntentUploadMedia,
	IntentCreateUser, IntentGenerateReport, IntentOptimizePerformance, IntentRunWorkflow,
}

// Intents lists every classifier intent in table order.
func Intents() []string {
	return append([]string(nil), keywordOrder...)
}

// KnownIntent reports whether intent is one the classifier produces.
func KnownIntent(intent string) bool {
	_, ok := intentKeywords[intent]
	return ok
}

// AnalyzeIntent classifies text. The ordered pattern table is tried first;
// without a match the intent with the best keyword overlap wins with
// confidence matched / max(input keywords, intent keywords).
func AnalyzeIntent(text string) Classification {
	lower := strings.ToLower(text)
	entities := extractEntities(text)

	for _, p := range intentPatterns {
		if p.re.MatchString(lower) {
			return Classification{Intent: p.intent, Confidence: RegexConfidence, Entities: entities}
		}
	}

	words := keywords(lower)
	best := Classification{Intent: IntentUnknown, Entities: entities}
	if len(words) == 0 {
		return best
	}
	for _, intent := range keywordOrder {
		kw := intentKeywords[intent]
		matched := 0
		for _, k := range kw {
			if words[k] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(max(len(words), len(kw)))
		if score > best.Confidence {
			best.Intent = intent
			best.Confidence = score
		}
	}
	return best
}

// keywords returns the distinct words of s.
func keywords(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = true
	}
	return out
}

var (
	reWorkflowName = regexp.MustCompile(`(?i)\bworkflow\s+["']?([a-z0-9_\-]+)["']?`)
	reEmail        = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reQuoted       = regexp.MustCompile(`"([^"]+)"`)
	reContentRef   = regexp.MustCompile(`(?i)\b(?:content|article|post|page)\s+#?([A-Za-z0-9_\-]*\d[A-Za-z0-9_\-]*)\b`)
	reHashID       = regexp.MustCompile(`#([A-Za-z0-9_\-]+)`)
	reFileSize     = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(kb|mb|gb)\b`)
)

// extractEntities pulls the values handlers need out of free text.
func extractEntities(text string) map[string]any {
	out := map[string]any{}
	if m := reWorkflowName.FindStringSubmatch(text); m != nil {
		out["workflow"] = strings.ToLower(m[1])
	}
	if m := reEmail.FindString(text); m != "" {
		out["email"] = m
	}
	if m := reQuoted.FindStringSubmatch(text); m != nil {
		out["title"] = m[1]
	}
	if m := reContentRef.FindStringSubmatch(text); m != nil {
		out["content_id"] = m[1]
	} else if m := reHashID.FindStringSubmatch(text); m != nil {
		out["content_id"] = m[1]
	}
	if m := reFileSize.FindStringSubmatch(text); m != nil {
		n, _ := strconv.ParseFloat(m[1], 64)
		switch strings.ToLower(m[2]) {
		case "kb":
			n *= 1 << 10
		case "mb":
			n *= 1 << 20
		case "gb":
			n *= 1 << 30
		}
		out["file_size"] = int64(n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
