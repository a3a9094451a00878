package spam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"novarelay.dev/internal/event"
)

func cfg() Config {
	return Config{
		Keywords:            []string{"viagra"},
		ShortenerDomains:    []string{"bit.ly"},
		DuplicateWindow:     300 * time.Second,
		MaxEventsPerMinute:  600,
		MinContentLength:    1,
		MaxMentionsPerEvent: 50,
		MaxURLsPerEvent:     10,
		MaxTagsPerEvent:     2000,
		MaxHashtagsPerEvent: 20,
	}
}

func ev(content string, tags event.Tags) *event.E {
	return &event.E{Kind: 1, Content: content, Tags: tags}
}

func TestPassClean(t *testing.T) {
	f := New(cfg())
	res := f.Check(ev("hello world, this is fine", nil), time.Now())
	require.Equal(t, Pass, res.Verdict)
}

func TestDuplicateContentRejected(t *testing.T) {
	f := New(cfg())
	now := time.Now()
	require.Equal(t, Pass, f.Check(ev("same content here", nil), now).Verdict)
	res := f.Check(ev("same content here", nil), now.Add(time.Second))
	require.Equal(t, Reject, res.Verdict)
}

func TestDuplicateOutsideWindowAllowed(t *testing.T) {
	f := New(cfg())
	now := time.Now()
	require.Equal(t, Pass, f.Check(ev("same content here", nil), now).Verdict)
	res := f.Check(ev("same content here", nil), now.Add(301*time.Second))
	require.Equal(t, Pass, res.Verdict)
}

func TestKeywordRejected(t *testing.T) {
	f := New(cfg())
	res := f.Check(ev("buy VIAGRA now", nil), time.Now())
	require.Equal(t, Reject, res.Verdict)
}

func TestCapitalizationSuspicious(t *testing.T) {
	f := New(cfg())
	res := f.Check(ev("THIS IS ALL CAPS SHOUTING", nil), time.Now())
	require.Equal(t, Suspicious, res.Verdict)
}

func TestCharacterRepetitionSuspicious(t *testing.T) {
	f := New(cfg())
	res := f.Check(ev("soooooooooooooo good", nil), time.Now())
	require.Equal(t, Suspicious, res.Verdict)
}

func TestMentionsOverCapRejected(t *testing.T) {
	f := New(cfg())
	c := cfg()
	c.MaxMentionsPerEvent = 2
	f = New(c)
	tags := event.Tags{{"p", "a"}, {"p", "b"}, {"p", "c"}}
	res := f.Check(ev("hi", tags), time.Now())
	require.Equal(t, Reject, res.Verdict)
}

func TestURLsOverCapRejected(t *testing.T) {
	c := cfg()
	c.MaxURLsPerEvent = 1
	f := New(c)
	res := f.Check(ev("see http://a.com and http://b.com", nil), time.Now())
	require.Equal(t, Reject, res.Verdict)
}

func TestShortenerURLSuspicious(t *testing.T) {
	f := New(cfg())
	res := f.Check(ev("check http://bit.ly/xyz", nil), time.Now())
	require.Equal(t, Suspicious, res.Verdict)
}

func TestTooManyTagsRejected(t *testing.T) {
	c := cfg()
	c.MaxTagsPerEvent = 1
	f := New(c)
	res := f.Check(ev("hi", event.Tags{{"e", "a"}, {"e", "b"}}), time.Now())
	require.Equal(t, Reject, res.Verdict)
}
