package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayKeys(t *testing.T) {
	ts := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "2026-03-10", DayKey(ts))
	assert.Equal(t, "01", HourKey(ts))

	start, end, err := DayBounds("2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))

	_, _, err = DayBounds("yesterday")
	assert.Error(t, err)
}

func TestParseJobKind(t *testing.T) {
	for in, want := range map[string]JobKind{
		"":              KindTranscription,
		"whisper":       KindTranscription,
		"Translation":   KindTranslation,
		"gpt":           KindTranslation,
		"generic":       KindGeneric,
		"transcription": KindTranscription,
	} {
		got, err := ParseJobKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseJobKind("render")
	assert.True(t, IsValidation(err))
}

func TestJobRequestValidate(t *testing.T) {
	neg := -1.0
	tests := []struct {
		name    string
		req     JobRequest
		wantErr bool
	}{
		{"minimal transcription", JobRequest{Kind: KindTranscription}, false},
		{"translation with params", JobRequest{Kind: KindTranslation, Params: JobParams{Translation: &TranslationParams{Tokens: 2000}}}, false},
		{"unknown kind", JobRequest{Kind: "render"}, true},
		{"mismatched params", JobRequest{Kind: KindGeneric, Params: JobParams{Transcription: &TranscriptionParams{}}}, true},
		{"negative duration", JobRequest{Kind: KindTranscription, Params: JobParams{Transcription: &TranscriptionParams{DurationSeconds: -5}}}, true},
		{"infinite duration", JobRequest{Kind: KindTranscription, Params: JobParams{Transcription: &TranscriptionParams{DurationSeconds: math.Inf(1)}}}, true},
		{"NaN duration", JobRequest{Kind: KindTranscription, Params: JobParams{Transcription: &TranscriptionParams{DurationSeconds: math.NaN()}}}, true},
		{"negative estimate", JobRequest{Kind: KindGeneric, EstimatedCostUSD: &neg}, true},
		{"bad id", JobRequest{ID: "a b", Kind: KindGeneric}, true},
		{"bad mode", JobRequest{Kind: KindGeneric, Mode: "dry"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.True(t, IsValidation(err), "expected validation error, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecipientNormalize(t *testing.T) {
	r := Recipient{Channel: " Tech Talks ", Email: " Host@Example.COM ", Score: 90}
	require.NoError(t, r.Normalize())
	assert.Equal(t, "Tech Talks", r.Channel)
	assert.Equal(t, "host@example.com", r.Email)

	bad := Recipient{Channel: "", Email: "nobody"}
	err := bad.Normalize()
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "channel")
	assert.Contains(t, err.Error(), "must contain @")
}

func TestJobStateTerminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateProcessing.Terminal())
}
