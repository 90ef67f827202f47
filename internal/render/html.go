// internal/render/html.go
//
// HTML views: duckbox table, cards, and feed.
//
// Context
// -------
// The duckbox view renders the table as monospace ASCII inside
// <pre class="duckbox">, numeric columns right-aligned.  Widths are
// computed on the raw cell text and the finished block is escaped in
// one pass, so entity expansion cannot skew the columns.
//
// Cards and feed are fragment templates driven by the route's view
// config, which names the columns to surface:
//
//   html_c: {title: <col>, subtitle: <col>, body: <col>, time: <col>}
//   feed:   {title: <col>, link: <col>, body: <col>, time: <col>}
//
// A missing title column falls back to the first column; the rest are
// simply omitted.  Timestamps render relatively (humanize) with the
// exact instant kept in a title/datetime attribute.
package render

import (
	"html"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/executor"
	"github.com/yanizio/querydeck/internal/tab"
)

/*──────────────────────────── duckbox table ───────────────────────────────*/

func writeTableHTML(w io.Writer, t *tab.Table) error {
	alignments := make([]tw.Align, t.NumCols())
	for i, c := range t.Cols {
		switch c.Type {
		case tab.Int, tab.Float:
			alignments[i] = tw.AlignRight
		default:
			alignments[i] = tw.AlignLeft
		}
	}

	var buf strings.Builder
	table := tablewriter.NewTable(&buf,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{
					BetweenRows:    tw.Off,
					BetweenColumns: tw.Off,
				},
				Lines: tw.Lines{
					ShowHeaderLine: tw.On,
					ShowFooterLine: tw.Off,
				},
			},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment: tw.CellAlignment{
					Global: tw.AlignLeft,
				},
				Formatting: tw.CellFormatting{
					AutoFormat: tw.Off,
				},
			},
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{
					PerColumn: alignments,
				},
			},
		}),
	)

	headerAny := make([]any, t.NumCols())
	for i, name := range t.ColNames() {
		headerAny[i] = name
	}
	table.Header(headerAny...)

	// Blank spacer row between header and data.
	table.Append(make([]string, t.NumCols()))

	row := make([]string, t.NumCols())
	for r := 0; r < t.NumRows(); r++ {
		for c := 0; c < t.NumCols(); c++ {
			if v := t.Cell(r, c); v == nil {
				row[c] = ""
			} else {
				row[c] = cache.Sample(v)
			}
		}
		table.Append(row)
	}
	table.Render()

	if _, err := io.WriteString(w, "<pre class=\"duckbox\">\n"); err != nil {
		return err
	}
	if _, err := io.WriteString(w, html.EscapeString(buf.String())); err != nil {
		return err
	}
	_, err := io.WriteString(w, "</pre>")
	return err
}

/*──────────────────────────── cards and feed ──────────────────────────────*/

var cardsTmpl = template.Must(template.New("cards").Parse(`<div class="cards">
{{- range .Cards}}
<div class="card">
  <div class="card-title">{{.Title}}</div>
  {{- with .Subtitle}}
  <div class="card-subtitle">{{.}}</div>
  {{- end}}
  {{- with .Body}}
  <div class="card-body">{{.}}</div>
  {{- end}}
  {{- with .When}}
  <div class="card-time" title="{{.Exact}}">{{.Relative}}</div>
  {{- end}}
</div>
{{- end}}
</div>
`))

var feedTmpl = template.Must(template.New("feed").Parse(`<ul class="feed">
{{- range .Items}}
<li class="feed-item">
  {{- if .Link}}
  <a class="feed-title" href="{{.Link}}">{{.Title}}</a>
  {{- else}}
  <span class="feed-title">{{.Title}}</span>
  {{- end}}
  {{- with .When}}
  <time datetime="{{.Exact}}">{{.Relative}}</time>
  {{- end}}
  {{- with .Body}}
  <p>{{.}}</p>
  {{- end}}
</li>
{{- end}}
</ul>
`))

// instant carries both renderings of one timestamp value.
type instant struct {
	Exact    string
	Relative string
}

type card struct {
	Title    string
	Subtitle string
	Body     string
	When     *instant
}

type feedItem struct {
	Title string
	Link  string
	Body  string
	When  *instant
}

func writeCards(w io.Writer, res *executor.Result, cfg map[string]any) error {
	t := res.Table
	title := pickColumn(t, cfg, "title", 0)
	subtitle := pickColumn(t, cfg, "subtitle", -1)
	body := pickColumn(t, cfg, "body", -1)
	when := pickColumn(t, cfg, "time", -1)

	cards := make([]card, t.NumRows())
	for r := range cards {
		cards[r] = card{
			Title:    cellText(t, r, title),
			Subtitle: cellText(t, r, subtitle),
			Body:     cellText(t, r, body),
			When:     cellInstant(t, r, when),
		}
	}
	return cardsTmpl.Execute(w, map[string]any{"Cards": cards})
}

func writeFeed(w io.Writer, res *executor.Result, cfg map[string]any) error {
	t := res.Table
	title := pickColumn(t, cfg, "title", 0)
	link := pickColumn(t, cfg, "link", -1)
	body := pickColumn(t, cfg, "body", -1)
	when := pickColumn(t, cfg, "time", -1)

	items := make([]feedItem, t.NumRows())
	for r := range items {
		items[r] = feedItem{
			Title: cellText(t, r, title),
			Link:  cellText(t, r, link),
			Body:  cellText(t, r, body),
			When:  cellInstant(t, r, when),
		}
	}
	return feedTmpl.Execute(w, map[string]any{"Items": items})
}

// pickColumn resolves a view-config column name to an index.  fallback
// is used when the config names nothing; a named but missing column
// resolves to -1 so the field is omitted rather than mis-mapped.
func pickColumn(t *tab.Table, cfg map[string]any, key string, fallback int) int {
	name, _ := cfg[key].(string)
	if name == "" {
		if fallback >= 0 && fallback < t.NumCols() {
			return fallback
		}
		return -1
	}
	return t.ColIndex(name)
}

func cellText(t *tab.Table, row, col int) string {
	if col < 0 {
		return ""
	}
	v := t.Cell(row, col)
	if v == nil {
		return ""
	}
	return cache.Sample(v)
}

func cellInstant(t *tab.Table, row, col int) *instant {
	if col < 0 {
		return nil
	}
	switch v := t.Cell(row, col).(type) {
	case nil:
		return nil
	case time.Time:
		return &instant{Exact: v.UTC().Format(time.RFC3339), Relative: humanize.Time(v)}
	default:
		s := cache.Sample(v)
		return &instant{Exact: s, Relative: s}
	}
}
