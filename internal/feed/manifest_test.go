package feed_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/alejandrodnm/domasync/internal/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_SkipsMalformedLines(t *testing.T) {
	input := `{"delay_ms":0,"event":{"type":"hello"}}

not json
{"delay_ms":-5,"event":{"type":"x"}}
{"delay_ms":1.5,"event":{"type":"x"}}
{"event":{"type":"x"}}
{"delay_ms":10,"event":{"no_type":true}}
{"delay_ms":20,"event":{"type":"listing_created","id":"L1","seq":4}}
`
	lines, skipped, err := feed.ParseManifest(strings.NewReader(input))

	require.NoError(t, err)
	assert.Equal(t, 5, skipped)
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0].Event.Type)
	assert.Equal(t, int64(20), lines[1].DelayMS)
	assert.Equal(t, "L1", lines[1].Event.ID)
	seq, ok := lines[1].Event.SeqValue()
	assert.True(t, ok)
	assert.Equal(t, int64(4), seq)
}

func TestParseManifest_Empty(t *testing.T) {
	lines, skipped, err := feed.ParseManifest(strings.NewReader(""))

	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Zero(t, skipped)
}

func TestParseManifest_ReaderError(t *testing.T) {
	_, _, err := feed.ParseManifest(errReader{})
	assert.Error(t, err)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
