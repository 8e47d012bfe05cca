package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/moderation"
)

func TestMarkerRoundTrip(t *testing.T) {
	sent := time.Unix(1700000000, 123456789)

	text := cleanText(7, sent, 64)
	assert.Len(t, text, 64)

	got, ok := parseMarker(text)
	require.True(t, ok)
	assert.True(t, got.Equal(sent))

	short := cleanText(1, sent, 0)
	got, ok = parseMarker(short)
	require.True(t, ok)
	assert.True(t, got.Equal(sent))
}

func TestParseMarker_Foreign(t *testing.T) {
	for _, text := range []string{"", "bom dia", "lt 1", "lt 1 abc", "xx 1 2"} {
		_, ok := parseMarker(text)
		assert.False(t, ok, text)
	}
}

func TestGeneratedTexts_MatchModeration(t *testing.T) {
	engine, err := moderation.LoadEngine("")
	require.NoError(t, err)

	assert.True(t, engine.Classify(cleanText(3, time.Now(), 128)).Approved)
	for _, text := range toxicTexts {
		assert.False(t, engine.Classify(text).Approved, text)
	}
}
