package normalize

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-trainer-go/internal/model"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestNormalizeText(t *testing.T) {
	n := New(nil, Options{})
	res, err := n.Normalize(context.Background(), Text{Name: "note", Content: "\ufeffline one\r\n\r\n\r\n\r\nline two  \n"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceText, res.Type)
	assert.Equal(t, "line one\n\nline two", res.RawText)
	assert.Equal(t, []byte(res.RawText), res.Fingerprint)
}

func TestNormalizeEmptyText(t *testing.T) {
	n := New(nil, Options{})
	_, err := n.Normalize(context.Background(), Text{Content: " \n\t "})
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.True(t, IsInputError(err))
}

func TestNormalizePlainFile(t *testing.T) {
	n := New(nil, Options{})
	res, err := n.Normalize(context.Background(), File{Name: "readme.MD", Data: []byte("# Title\n\nbody")})
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", res.RawText)
	assert.Equal(t, "text/plain", res.MimeType)
}

func TestNormalizeHTMLFileWithoutTika(t *testing.T) {
	n := New(nil, Options{})
	html := "<html><head><style>p{}</style></head><body><p>Hello</p><script>var x=1</script><p>World</p></body></html>"
	res, err := n.Normalize(context.Background(), File{Name: "page.html", Data: []byte(html)})
	require.NoError(t, err)
	assert.Contains(t, res.RawText, "Hello")
	assert.Contains(t, res.RawText, "World")
	assert.NotContains(t, res.RawText, "var x")
}

func TestNormalizeRejectsUnsupportedFile(t *testing.T) {
	n := New(nil, Options{})
	_, err := n.Normalize(context.Background(), File{Name: "tool.exe", Data: []byte("MZ")})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = n.Normalize(context.Background(), File{Name: "bad.txt", Data: []byte{0xff, 0xfe, 0xfd}})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestNormalizeLinkWithSelector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title> Docs </title></head><body>
<nav>menu items</nav><article class="content"><h2>Install</h2><p>Run the installer.</p></article></body></html>`))
	}))
	defer srv.Close()

	n := New(nil, Options{})
	res, err := n.Normalize(context.Background(), Link{URL: srv.URL, Selector: "article.content"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceLink, res.Type)
	assert.Equal(t, "Docs", res.Title)
	assert.Contains(t, res.RawText, "Run the installer.")
	assert.NotContains(t, res.RawText, "menu items")
}

func TestNormalizeLinkFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := New(nil, Options{})
	_, err := n.Normalize(context.Background(), Link{URL: srv.URL})
	assert.ErrorIs(t, err, ErrFetch)
}

func TestNormalizeLinkRejectsOversizedPage(t *testing.T) {
	page := "<html><body><p>" + strings.Repeat("lorem ipsum ", 170) + "FINAL_MARKER</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	_, err := New(nil, Options{MaxBytes: 1024}).Normalize(context.Background(), Link{URL: srv.URL})
	assert.ErrorIs(t, err, ErrFetch)
	assert.True(t, IsInputError(err))

	res, err := New(nil, Options{MaxBytes: int64(len(page))}).Normalize(context.Background(), Link{URL: srv.URL})
	require.NoError(t, err)
	assert.Contains(t, res.RawText, "FINAL_MARKER")
}

func TestNormalizeImages(t *testing.T) {
	n := New(nil, Options{})
	res, err := n.Normalize(context.Background(), Images{Name: "album", Items: []Image{
		{Name: "a.png", Data: pngHeader},
		{Name: "empty.png"},
	}})
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	assert.Equal(t, "image/png", res.Images[0].ContentType)
	assert.Empty(t, res.RawText)
	assert.NotEmpty(t, res.Fingerprint)

	_, err = n.Normalize(context.Background(), Images{Items: []Image{{Name: "x.png", Data: []byte("plain text")}}})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestNormalizeFolderHasNoContent(t *testing.T) {
	n := New(nil, Options{})
	res, err := n.Normalize(context.Background(), Folder{Name: "dir"})
	require.NoError(t, err)
	assert.Equal(t, model.SourceFolder, res.Type)
	assert.False(t, res.Type.HasContent())
	assert.Nil(t, res.Fingerprint)
}

func TestParseBackup(t *testing.T) {
	data := "\ufeffQ,A,Indexes\n" +
		"what is go,a language,golang,go lang\n" +
		"\"multi\nline\",,\n" +
		",skipped,\n"
	rows, err := ParseBackup(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, BackupRow{Q: "what is go", A: "a language", Indexes: []string{"golang", "go lang"}}, rows[0])
	assert.Equal(t, "multi\nline", rows[1].Q)
	assert.Empty(t, rows[1].Indexes)
}

func TestParseBackupBadHeader(t *testing.T) {
	_, err := ParseBackup(strings.NewReader("question,answer\nq,a\n"))
	assert.ErrorIs(t, err, ErrBadBackupHeader)

	_, err = ParseBackup(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyText)

	n := New(nil, Options{})
	_, err = n.Normalize(context.Background(), Backup{Name: "b.csv", Data: []byte("x,y,z\n1,2,3\n")})
	assert.ErrorIs(t, err, ErrBadBackupHeader)
}

func TestBackupWriterRoundTrip(t *testing.T) {
	records := []model.DataRecord{
		{Q: "q1", A: "a1", Indexes: model.NormalizeIndexes("q1", "a1", []model.DataIndex{{Text: "alt one"}, {Text: "alt, two"}})},
		{Q: "q2 \"quoted\"", Indexes: model.NormalizeIndexes("q2 \"quoted\"", "", nil)},
	}

	var buf bytes.Buffer
	w, err := NewBackupWriter(&buf)
	require.NoError(t, err)
	for i := range records {
		require.NoError(t, w.Write(&records[i]))
	}
	require.NoError(t, w.Flush())
	assert.True(t, strings.HasPrefix(buf.String(), "q,a,indexes\n"))

	rows, err := ParseBackup(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for i, row := range rows {
		got := model.NormalizeIndexes(row.Q, row.A, row.ToIndexes())
		assert.Equal(t, records[i].Q, row.Q)
		assert.Equal(t, records[i].A, row.A)
		assert.Equal(t, records[i].Indexes, got)
	}
}
