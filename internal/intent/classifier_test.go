package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeIntentPatternTable(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Check the system health please", IntentSystemHealth},
		{"is the server up?", IntentSystemHealth},
		{"please clear the cache", IntentClearCache},
		{"backup the database tonight", IntentBackupDatabase},
		{"can you fix the login errors", IntentFixError},
		{"publish article 42", IntentPublishContent},
		{"remove the post about pricing", IntentDeleteContent},
		{"write a blog post about Go", IntentCreateContent},
		{"upload these photos", IntentUploadMedia},
		{"invite a new user", IntentCreateUser},
		{"generate a weekly report", IntentGenerateReport},
		{"optimize the site", IntentOptimizePerformance},
		{"run workflow daily_maintenance", IntentRunWorkflow},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := AnalyzeIntent(tt.text)
			assert.Equal(t, tt.want, got.Intent)
			assert.Equal(t, RegexConfidence, got.Confidence)
		})
	}
}

func TestAnalyzeIntentFirstMatchWins(t *testing.T) {
	// Matches both fix_error and publish_content; fix_error is earlier.
	got := AnalyzeIntent("fix the error and publish again")
	assert.Equal(t, IntentFixError, got.Intent)
}

func TestAnalyzeIntentKeywordFallback(t *testing.T) {
	got := AnalyzeIntent("cache memory")
	assert.Equal(t, IntentClearCache, got.Intent)
	assert.InDelta(t, 2.0/5.0, got.Confidence, 1e-9)

	// Long inputs dilute the score.
	got = AnalyzeIntent("the website feels slow today and yesterday")
	assert.Equal(t, IntentOptimizePerformance, got.Intent)
	assert.InDelta(t, 1.0/7.0, got.Confidence, 1e-9)
}

func TestAnalyzeIntentUnknown(t *testing.T) {
	got := AnalyzeIntent("hello there")
	assert.Equal(t, IntentUnknown, got.Intent)
	assert.Zero(t, got.Confidence)

	got = AnalyzeIntent("")
	assert.Equal(t, IntentUnknown, got.Intent)
}

func TestAnalyzeIntentEntities(t *testing.T) {
	got := AnalyzeIntent(`upload the photo "Sunset" of 12 MB`)
	assert.Equal(t, IntentUploadMedia, got.Intent)
	assert.Equal(t, "Sunset", got.Entities["title"])
	assert.Equal(t, int64(12<<20), got.Entities["file_size"])

	got = AnalyzeIntent("run workflow Daily_Maintenance now")
	assert.Equal(t, "daily_maintenance", got.Entities["workflow"])

	got = AnalyzeIntent("invite ana@example.com as a user")
	assert.Equal(t, IntentCreateUser, got.Intent)
	assert.Equal(t, "ana@example.com", got.Entities["email"])

	got = AnalyzeIntent("publish article 42")
	assert.Equal(t, "42", got.Entities["content_id"])

	assert.Nil(t, AnalyzeIntent("hello there").Entities)
}

func TestIntentsMatchKeywordTable(t *testing.T) {
	for _, intent := range Intents() {
		assert.True(t, KnownIntent(intent), intent)
	}
	assert.False(t, KnownIntent(IntentUnknown))
	assert.Len(t, Intents(), len(intentPatterns))
}
