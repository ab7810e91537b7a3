package quality

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func article(paragraphs int) string {
	p := "<p>" + strings.Repeat("The council voted on the new transit budget after a long debate. ", 4) + "</p>"
	return "<html><head><title>Transit budget passes</title></head><body><article>" +
		strings.Repeat(p, paragraphs) + "</article></body></html>"
}

func TestIsSoftFailureEmpty(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	soft, reason := g.IsSoftFailure("   \n")
	assert.True(t, soft)
	assert.Equal(t, "empty html", reason)
}

func TestIsSoftFailureShortVisibleText(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	for _, n := range []int{0, 1, 50, 199} {
		html := "<html><body><p>" + strings.Repeat("x", n) + "</p><script>" + strings.Repeat("var a=1;", 200) + "</script></body></html>"
		soft, reason := g.IsSoftFailure(html)
		assert.True(t, soft, "n=%d", n)
		if n > 0 {
			assert.Contains(t, reason, "visible text")
		}
	}
}

func TestIsSoftFailureNotFoundTitleRegardlessOfBody(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	html := strings.Replace(article(20), "Transit budget passes", "Page Not Found | Daily News", 1)
	soft, reason := g.IsSoftFailure(html)
	assert.True(t, soft)
	assert.Contains(t, reason, "title")
}

func TestIsSoftFailureBodyPhraseWithinScanWindow(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	html := "<html><head><title>Story</title></head><body><p>Sorry, this article has been removed by the publisher.</p>" +
		strings.Repeat("<p>filler text for the page layout and footer links</p>", 20) + "</body></html>"
	soft, reason := g.IsSoftFailure(html)
	assert.True(t, soft)
	assert.Contains(t, reason, "body")
}

func TestIsSoftFailureIgnoresPhraseBeyondScanWindow(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	padding := strings.Repeat("word ", BodyScanChars/5+10)
	html := "<html><head><title>Story</title></head><body><p>" + padding + "</p><p>this page no longer exists</p></body></html>"
	soft, _ := g.IsSoftFailure(html)
	assert.False(t, soft)
}

func TestIsSoftFailureNoBodyScansWholeDocument(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	html := "<div>" + strings.Repeat("Some fragment text here. ", 20) + "</div><div>Error 404</div>"
	soft, reason := g.IsSoftFailure(html)
	assert.True(t, soft)
	assert.Contains(t, reason, "body")
}

func TestIsSoftFailurePaywallPhrase(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	html := "<html><body><p>" + strings.Repeat("Lead paragraph of the story. ", 14) +
		"</p><div class=paywall>Subscribe to continue reading</div></body></html>"
	soft, _ := g.IsSoftFailure(html)
	assert.True(t, soft)
}

func TestIsSoftFailureRealArticle(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	soft, reason := g.IsSoftFailure(article(5))
	assert.False(t, soft, reason)
}

func TestIsAcceptable(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	html := article(5)
	assert.True(t, g.IsAcceptable(html, 600, DefaultMinContentChars))
	assert.False(t, g.IsAcceptable(html, 499, DefaultMinContentChars))
	assert.True(t, g.IsAcceptable(html, 250, ResurrectionMinContentChars))
	assert.False(t, g.IsAcceptable("", 10_000, DefaultMinContentChars))
}

func TestShouldSkip(t *testing.T) {
	t.Parallel()

	g := NewGate(nil)
	skipped := []string{
		"https://news.example/unsubscribe?id=4",
		"https://mail.example/track?optout=1",
		"https://news.example/login",
		"https://news.example/account/sign-in?next=/a",
		"https://www.facebook.com/sharer/sharer.php?u=https://x.example",
		"https://twitter.com/intent/tweet?url=x",
		"https://cdn.news.example/photos/2024/hero.jpg",
		"https://news.example/image.PNG?w=300",
	}
	for _, u := range skipped {
		skip, reason := g.ShouldSkip(u)
		assert.True(t, skip, u)
		assert.NotEmpty(t, reason)
	}
	for _, u := range []string{
		"https://news.example/2024/03/05/transit-budget-passes",
		"https://news.example/login-tips-for-seniors",
		"https://podcasts.example/show/episode-12",
	} {
		skip, _ := g.ShouldSkip(u)
		assert.False(t, skip, u)
	}
}

func TestVisibleTextDropsScriptsAndCollapsesSpace(t *testing.T) {
	t.Parallel()

	got := VisibleText("<html><head><style>p{}</style></head><body>\n  <p>Hello &amp;\n world</p><script>var x = '<p>no</p>';</script><noscript>enable js</noscript><p>again</p></body></html>")
	assert.Equal(t, "Hello & world again", got)
}

func TestLoadPatternsDefaults(t *testing.T) {
	t.Parallel()

	p, err := LoadPatterns("")
	require.NoError(t, err)
	assert.Positive(t, p.Version)
	assert.NotEmpty(t, p.Skip)
	assert.NotEmpty(t, p.SoftFailure)
	assert.NotEmpty(t, p.RedirectServices)
}

func TestParsePatternsErrors(t *testing.T) {
	t.Parallel()

	_, err := ParsePatterns([]byte("version: 0\n"))
	require.Error(t, err)

	_, err = ParsePatterns([]byte("version: 1\nskip:\n  - '(unclosed'\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip[0]")

	p, err := ParsePatterns([]byte("version: 7\nsoft_failure:\n  - '(?i)gone fishing'\n"))
	require.NoError(t, err)
	g := NewGate(p)
	soft, _ := g.IsSoftFailure("<html><head><title>Gone Fishing</title></head><body></body></html>")
	assert.True(t, soft)
}

func TestGatePatterns(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultPatterns().Version, NewGate(nil).Patterns().Version)

	p, err := ParsePatterns([]byte("version: 9\nredirect_services:\n  - '^https://go\\.example/'\n"))
	require.NoError(t, err)
	g := NewGate(p)
	assert.Same(t, p, g.Patterns())
	require.Len(t, g.Patterns().RedirectServices, 1)
	assert.True(t, g.Patterns().RedirectServices[0].MatchString("https://go.example/abc"))
}

func TestLooksClientRendered(t *testing.T) {
	t.Parallel()

	assert.True(t, LooksClientRendered(`<html><body><div id="__next"></div></body></html>`))
	assert.True(t, LooksClientRendered(`<html><script>var a=1;var b=2;var c=3;</script><p>t</p></html>`))
	assert.False(t, LooksClientRendered(article(3)))
}
