package dom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-crawler/internal/crawler"
)

const samplePage = `<html><head>
<title>Jazz Night</title>
<meta name="description" content="  An evening of jazz  ">
</head><body>
<h1 class="event-title main">  Jazz
   Night </h1>
<div style="display: none"><span class="price">$20</span></div>
<p hidden class="secret">hidden text</p>
<input type="hidden" name="fc-token" value="abc">
<div class="venue">Blue Room</div>
</body></html>`

func TestDocumentQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	doc, err := Parse("https://example.com/e/1", samplePage)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/e/1", doc.URL())

	text, err := doc.Text(ctx, "h1.event-title")
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night", text)

	desc, err := doc.Attr(ctx, `meta[name="description"]`, "content")
	require.NoError(t, err)
	assert.Equal(t, "An evening of jazz", desc)

	_, err = doc.Text(ctx, ".missing")
	require.ErrorIs(t, err, crawler.ErrElementNotFound)
	_, err = doc.Attr(ctx, "h1", "data-x")
	require.ErrorIs(t, err, crawler.ErrElementNotFound)
}

func TestDocumentVisibility(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	doc, err := Parse("https://example.com", samplePage)
	require.NoError(t, err)

	cases := []struct {
		selector string
		want     bool
	}{
		{"h1", true},
		{".venue", true},
		{".price", false},
		{".secret", false},
		{`input[name="fc-token"]`, false},
		{`meta[name="description"]`, false},
		{"title", false},
		{".nope", false},
		{"[[[", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, doc.Visible(ctx, tc.selector, time.Second), tc.selector)
	}
}

func TestDocumentUnsupportedInteractions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	doc, err := Parse("https://example.com", samplePage)
	require.NoError(t, err)

	require.ErrorIs(t, doc.Click(ctx, "h1"), crawler.ErrUnsupported)
	require.ErrorIs(t, doc.Evaluate(ctx, "1+1", nil), crawler.ErrUnsupported)
	_, err = doc.Screenshot(ctx)
	require.ErrorIs(t, err, crawler.ErrUnsupported)
	_, err = doc.Navigate(ctx, "https://example.com", nil)
	require.ErrorIs(t, err, crawler.ErrUnsupported)
	require.NoError(t, doc.Scroll(ctx, 400))
	require.NoError(t, doc.MoveMouse(ctx, 1, 2))
}

func TestDocumentReset(t *testing.T) {
	t.Parallel()

	doc, err := Parse("https://example.com", samplePage)
	require.NoError(t, err)
	doc.Reset()

	html, err := doc.HTML(context.Background())
	require.NoError(t, err)
	assert.Empty(t, html)
	assert.False(t, doc.Visible(context.Background(), "h1", 0))
}
