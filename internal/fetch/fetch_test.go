package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseContentTypeAndHelpers(t *testing.T) {
	ct, cs := parseContentType("text/html; charset=utf-8")
	require.Equal(t, "text/html", ct)
	require.Equal(t, "utf-8", cs)
	require.True(t, isHTML("text/html"))
	require.True(t, isHTML("application/xhtml+xml"))
	require.True(t, hasLeadingH1("# Title\ncontent"))
	require.NotEmpty(t, fenced("a\n", "md"))
}

func TestToUTF8PassesThroughUTF8(t *testing.T) {
	b, err := toUTF8([]byte("hello"), "utf-8")
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestFetchMarkdownHTMLAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><head><title>X</title></head><body><article><h1>Hi</h1><p>There is a long enough paragraph of body text to satisfy readability heuristics for extraction.</p></article></body></html>"))
		case "/text":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("plain text"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := New(WithMaxBytes(4096), WithTimeout(2*time.Second))
	ctx := context.Background()

	res, err := f.FetchMarkdown(ctx, srv.URL+"/html")
	require.NoError(t, err)
	require.NotEmpty(t, res.Markdown)

	res2, err := f.FetchMarkdown(ctx, srv.URL+"/text")
	require.NoError(t, err)
	require.NotEmpty(t, res2.Markdown)
}

func TestFetchMarkdownNonText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("binarydata"))
	}))
	defer srv.Close()

	f := New(WithMaxBytes(1024))
	res, err := f.FetchMarkdown(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Contains(t, res.Markdown, "Download original")
}

func TestFetchMarkdownExceedsMaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := New(WithMaxBytes(16))
	_, err := f.FetchMarkdown(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetchMarkdownRejectsNonHTTPScheme(t *testing.T) {
	f := New()
	_, err := f.FetchMarkdown(context.Background(), "ftp://example.com/file")
	require.Error(t, err)
}

func TestNewFetcherDefaults(t *testing.T) {
	f := New()
	require.NotNil(t, f.client)
	tr, ok := f.client.Transport.(*http.Transport)
	require.True(t, ok)
	require.Equal(t, 100, tr.MaxIdleConns)
	require.Equal(t, 10, tr.MaxIdleConnsPerHost)
}

func TestExtractLinksResolvesRelative(t *testing.T) {
	body := `<html><body>
		<a href="/a">a</a>
		<a href="https://other.example/b">b</a>
		<a href="mailto:x@example.com">mail</a>
		<a href="#frag">frag</a>
	</body></html>`

	links, err := ExtractLinks(body, "https://example.com/page")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"https://example.com/a", "https://other.example/b"}, links)
}

func TestExtractLinksDeduplicates(t *testing.T) {
	body := `<html><body><a href="/a">1</a><a href="/a">2</a></body></html>`
	links, err := ExtractLinks(body, "https://example.com/")
	require.NoError(t, err)
	require.Len(t, links, 1)
}
