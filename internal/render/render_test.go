// internal/render/render_test.go
package render

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/yanizio/querydeck/internal/executor"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/tab"
)

var soldAt = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func sampleResult() *executor.Result {
	t := tab.New(
		tab.Column{Name: "name", Type: tab.String, Values: []any{"laptop", "<b>phone</b>", nil}},
		tab.Column{Name: "qty", Type: tab.Int, Values: []any{int64(3), int64(12), int64(7)}},
		tab.Column{Name: "sold_at", Type: tab.Time, Values: []any{soldAt, soldAt.Add(time.Hour), nil}},
	)
	return &executor.Result{
		RequestID: "req-1",
		RouteID:   "reports.sales",
		Table:     t,
		TotalRows: 42,
		FromCache: true,
	}
}

func defWithView(key string) *route.Definition {
	return &route.Definition{Extra: map[string]any{key: map[string]any{}}}
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		query string
		def   *route.Definition
		want  Format
	}{
		{"csv", nil, FormatCSV},
		{"parquet", nil, FormatParquet},
		{"", nil, FormatJSON},
		{"", defWithView("html_t"), FormatHTML},
		{"", defWithView("html_c"), FormatCards},
		{"", defWithView("feed"), FormatFeed},
		{"json", defWithView("html_t"), FormatJSON}, // explicit beats view config
	}
	for _, tc := range cases {
		got, err := Negotiate(tc.query, tc.def)
		if err != nil {
			t.Fatalf("Negotiate(%q): %v", tc.query, err)
		}
		if got != tc.want {
			t.Errorf("Negotiate(%q) = %s, want %s", tc.query, got, tc.want)
		}
	}

	if _, err := Negotiate("xml", nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestContentType(t *testing.T) {
	if got := FormatCSV.ContentType(); !strings.HasPrefix(got, "text/csv") {
		t.Errorf("csv content type = %q", got)
	}
	if got := FormatJSON.ContentType(); !strings.HasPrefix(got, "application/json") {
		t.Errorf("json content type = %q", got)
	}
	if got := FormatCards.ContentType(); !strings.HasPrefix(got, "text/html") {
		t.Errorf("cards content type = %q", got)
	}
}

func TestJSONEnvelope(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatJSON, sampleResult(), nil); err != nil {
		t.Fatalf("write json: %v", err)
	}

	var env map[string]any
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env["route"] != "reports.sales" || env["request_id"] != "req-1" {
		t.Errorf("identity fields = %v / %v", env["route"], env["request_id"])
	}
	if env["row_count"] != float64(3) || env["total_rows"] != float64(42) {
		t.Errorf("counts = %v / %v", env["row_count"], env["total_rows"])
	}
	if env["from_cache"] != true {
		t.Error("from_cache not set")
	}

	cols := env["columns"].([]any)
	first := cols[0].(map[string]any)
	if first["name"] != "name" || first["type"] != "string" {
		t.Errorf("column 0 = %v", first)
	}
	if cols[1].(map[string]any)["type"] != "int" {
		t.Errorf("column 1 type = %v", cols[1])
	}

	recs := env["records"].([]any)
	if len(recs) != 3 {
		t.Fatalf("records = %d", len(recs))
	}
	second := recs[1].(map[string]any)
	if second["name"] != "<b>phone</b>" {
		t.Errorf("html left alone in json, got %v", second["name"])
	}
	if second["qty"] != float64(12) {
		t.Errorf("qty = %v", second["qty"])
	}
	third := recs[2].(map[string]any)
	if third["name"] != nil || third["sold_at"] != nil {
		t.Errorf("nulls should encode as null, got %v / %v", third["name"], third["sold_at"])
	}
}

func TestJSONOmitsUnknownTotal(t *testing.T) {
	res := sampleResult()
	res.TotalRows = -1

	var buf bytes.Buffer
	if err := Write(&buf, FormatJSON, res, nil); err != nil {
		t.Fatalf("write json: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := env["total_rows"]; ok {
		t.Error("total_rows should be omitted when unknown")
	}
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatCSV, sampleResult(), nil); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "name" || rows[0][2] != "sold_at" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "3" {
		t.Errorf("qty cell = %q", rows[1][1])
	}
	if rows[1][2] != "2026-03-14T09:26:53Z" {
		t.Errorf("time cell = %q", rows[1][2])
	}
	if rows[3][0] != "" {
		t.Errorf("null cell = %q", rows[3][0])
	}
}

func TestParquetRoundTrip(t *testing.T) {
	res := sampleResult()

	var buf bytes.Buffer
	if err := Write(&buf, FormatParquet, res, nil); err != nil {
		t.Fatalf("write parquet: %v", err)
	}

	alloc := memory.DefaultAllocator
	atbl, err := pqarrow.ReadTable(context.Background(), bytes.NewReader(buf.Bytes()),
		parquet.NewReaderProperties(alloc), pqarrow.ArrowReadProperties{}, alloc)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	defer atbl.Release()

	if atbl.NumRows() != 3 || atbl.NumCols() != 3 {
		t.Fatalf("shape = %dx%d", atbl.NumRows(), atbl.NumCols())
	}
	if name := atbl.Schema().Field(2).Name; name != "sold_at" {
		t.Errorf("field 2 = %q", name)
	}
}

func TestArrowRoundTrip(t *testing.T) {
	res := sampleResult()

	var buf bytes.Buffer
	if err := Write(&buf, FormatArrow, res, nil); err != nil {
		t.Fatalf("write arrow: %v", err)
	}

	r, err := ipc.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer r.Release()

	if !r.Next() {
		t.Fatalf("no record in stream: %v", r.Err())
	}
	got, err := tab.FromRecord(r.Record())
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if got.NumRows() != 3 {
		t.Fatalf("rows = %d", got.NumRows())
	}
	if got.Cell(0, 0) != "laptop" || got.Cell(1, 1) != int64(12) {
		t.Errorf("cells = %v / %v", got.Cell(0, 0), got.Cell(1, 1))
	}
	if ts := got.Cell(0, 2).(time.Time); !ts.Equal(soldAt) {
		t.Errorf("timestamp = %v", ts)
	}
}

func TestTableHTMLEscapesCells(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatHTML, sampleResult(), nil); err != nil {
		t.Fatalf("write html: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, `<pre class="duckbox">`) {
		t.Error("missing duckbox wrapper")
	}
	if !strings.Contains(out, "name") || !strings.Contains(out, "qty") {
		t.Error("missing header names")
	}
	if !strings.Contains(out, "&lt;b&gt;phone&lt;/b&gt;") {
		t.Error("cell value not escaped")
	}
	if strings.Contains(out, "<b>phone") {
		t.Error("raw markup leaked into output")
	}
}

func TestCards(t *testing.T) {
	def := &route.Definition{Extra: map[string]any{
		"html_c": map[string]any{"title": "name", "subtitle": "qty", "time": "sold_at"},
	}}

	var buf bytes.Buffer
	if err := Write(&buf, FormatCards, sampleResult(), def); err != nil {
		t.Fatalf("write cards: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, `<div class="card-title">laptop</div>`) {
		t.Errorf("missing title card:\n%s", out)
	}
	if !strings.Contains(out, "&lt;b&gt;phone&lt;/b&gt;") {
		t.Error("title not escaped")
	}
	if !strings.Contains(out, `<div class="card-subtitle">3</div>`) {
		t.Error("missing subtitle")
	}
	if !strings.Contains(out, `title="2026-03-14T09:26:53Z"`) {
		t.Error("missing exact timestamp attribute")
	}
	if !strings.Contains(out, "ago") {
		t.Error("missing relative timestamp")
	}
}

func TestCardsDefaultTitleColumn(t *testing.T) {
	var buf bytes.Buffer
	if err := writeCards(&buf, sampleResult(), nil); err != nil {
		t.Fatalf("write cards: %v", err)
	}
	if !strings.Contains(buf.String(), `<div class="card-title">laptop</div>`) {
		t.Error("first column should be the default title")
	}
}

func TestFeed(t *testing.T) {
	res := &executor.Result{
		RequestID: "req-2",
		RouteID:   "news.latest",
		Table: tab.New(
			tab.Column{Name: "headline", Type: tab.String, Values: []any{"launch day", "quiet week"}},
			tab.Column{Name: "url", Type: tab.String, Values: []any{"https://example.com/1", nil}},
			tab.Column{Name: "published", Type: tab.Time, Values: []any{soldAt, soldAt}},
		),
		TotalRows: 2,
	}
	def := &route.Definition{Extra: map[string]any{
		"feed": map[string]any{"title": "headline", "link": "url", "time": "published"},
	}}

	var buf bytes.Buffer
	if err := Write(&buf, FormatFeed, res, def); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, `<a class="feed-title" href="https://example.com/1">launch day</a>`) {
		t.Errorf("missing linked item:\n%s", out)
	}
	if !strings.Contains(out, `<span class="feed-title">quiet week</span>`) {
		t.Error("item without link should fall back to span")
	}
	if !strings.Contains(out, `datetime="2026-03-14T09:26:53Z"`) {
		t.Error("missing datetime attribute")
	}
}
