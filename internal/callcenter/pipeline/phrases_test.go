package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeOfDay(t *testing.T) {
	p := DefaultPhrases()
	tests := []struct {
		hour int
		want string
	}{
		{0, "Good evening"},
		{4, "Good evening"},
		{5, "Good morning"},
		{11, "Good morning"},
		{12, "Good afternoon"},
		{17, "Good afternoon"},
		{18, "Good evening"},
		{23, "Good evening"},
	}
	for _, tt := range tests {
		at := time.Date(2026, 3, 14, tt.hour, 30, 0, 0, time.UTC)
		assert.Equal(t, tt.want, p.TimeOfDay(at), "hour %d", tt.hour)
	}
	assert.Equal(t, "Good afternoon! Thank you for calling. How can I help you?",
		p.GreetingAt(time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)))
}

func TestFillerRotation(t *testing.T) {
	s := newSelector(DefaultPhrases())
	order := DefaultPhrases().Fillers[PoolOrder]

	got := []string{
		s.Filler("Where is my ORDER?"),
		s.Filler("any news on the delivery"),
		s.Filler("tracking number please"),
		s.Filler("my order again"),
	}
	assert.Equal(t, []string{order[0], order[1], order[2], order[0]}, got)

	// pools rotate independently
	assert.Equal(t, DefaultPhrases().Fillers[PoolDefault][0], s.Filler("what are your opening hours"))
	assert.Equal(t, order[1], s.Filler("order"))
}

func TestFillerFallsBackToDefaultPool(t *testing.T) {
	p := DefaultPhrases()
	p.Fillers = map[string][]string{PoolDefault: {"Hmm."}}
	s := newSelector(p)
	assert.Equal(t, "Hmm.", s.Filler("my order"))

	p.Fillers = nil
	assert.Empty(t, newSelector(p).Filler("hello"))
}

func TestOrderFarewell(t *testing.T) {
	assert.Equal(t, "Your order A-17 is confirmed. Thank you for calling, goodbye!",
		DefaultPhrases().OrderFarewellFor("A-17"))
}

func TestStaticPhrases(t *testing.T) {
	p := DefaultPhrases()
	static := p.Static()
	assert.Contains(t, static, "Good evening! Thank you for calling. How can I help you?")
	assert.Contains(t, static, p.SilencePrompt)
	assert.Contains(t, static, p.Farewell)
	assert.Contains(t, static, p.Fillers[PoolOrder][2])
	for _, s := range static {
		assert.NotContains(t, s, "{")
	}
}

func TestLoadPhrases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phrases.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"farewell":"Bye now.","fillers":{"default":["Hold on."]}}`), 0o644))

	p, err := LoadPhrases(path)
	require.NoError(t, err)
	assert.Equal(t, "Bye now.", p.Farewell)
	assert.Equal(t, []string{"Hold on."}, p.Fillers[PoolDefault])
	assert.Equal(t, DefaultPhrases().Greeting, p.Greeting)

	_, err = LoadPhrases(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
