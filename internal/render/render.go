// internal/render/render.go
//
// Result encoders.
//
// Context
// -------
// The executor hands back a columnar table; this package turns it into
// whatever the client asked for.  `?format=` wins, then the route's
// view config (an `html_t`, `html_c`, or `feed` section in the YAML
// sidecar), then JSON.  The machine formats (JSON, CSV, Parquet,
// Arrow IPC) encode every column verbatim; the HTML formats are
// presentational and read their column mapping from the view config.
//
// Notes
// -----
// • Parquet and Arrow output reuse the same writer properties as the
//   page cache, so downloads and cache pages are byte-compatible.
// • Oxford commas, two spaces after periods.
package render

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/executor"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/tab"
)

// Format names one output encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatArrow   Format = "arrow"
	FormatHTML    Format = "html"
	FormatCards   Format = "cards"
	FormatFeed    Format = "feed"
)

// ParseFormat validates a client-supplied format name.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatJSON, FormatCSV, FormatParquet, FormatArrow, FormatHTML, FormatCards, FormatFeed:
		return Format(s), true
	}
	return "", false
}

// Negotiate picks the format for a request: the explicit query value
// first, then the route's view config, then JSON.
func Negotiate(query string, def *route.Definition) (Format, error) {
	if query != "" {
		f, ok := ParseFormat(query)
		if !ok {
			return "", fmt.Errorf("unknown format %q", query)
		}
		return f, nil
	}
	if def != nil {
		switch {
		case def.Extra["html_t"] != nil:
			return FormatHTML, nil
		case def.Extra["html_c"] != nil:
			return FormatCards, nil
		case def.Extra["feed"] != nil:
			return FormatFeed, nil
		}
	}
	return FormatJSON, nil
}

// ContentType returns the MIME type sent with the encoded body.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	case FormatArrow:
		return "application/vnd.apache.arrow.stream"
	case FormatHTML, FormatCards, FormatFeed:
		return "text/html; charset=utf-8"
	default:
		return "application/json; charset=utf-8"
	}
}

// Write encodes one result into w.
func Write(w io.Writer, f Format, res *executor.Result, def *route.Definition) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, res.Table)
	case FormatParquet:
		return writeParquet(w, res.Table)
	case FormatArrow:
		return writeArrow(w, res.Table)
	case FormatHTML:
		return writeTableHTML(w, res.Table)
	case FormatCards:
		return writeCards(w, res, viewConfig(def, "html_c"))
	case FormatFeed:
		return writeFeed(w, res, viewConfig(def, "feed"))
	default:
		return writeJSON(w, res)
	}
}

// viewConfig digs one view section out of the route's unclaimed YAML.
func viewConfig(def *route.Definition, key string) map[string]any {
	if def == nil {
		return nil
	}
	cfg, _ := def.Extra[key].(map[string]any)
	return cfg
}

/*──────────────────────────── JSON ────────────────────────────────────────*/

type jsonColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// envelope is the JSON wire shape: column metadata beside row records,
// so clients never have to infer types from values.
type envelope struct {
	Route     string           `json:"route"`
	RequestID string           `json:"request_id"`
	Columns   []jsonColumn     `json:"columns"`
	Records   []map[string]any `json:"records"`
	RowCount  int              `json:"row_count"`
	TotalRows *int             `json:"total_rows,omitempty"`
	FromCache bool             `json:"from_cache"`
}

func writeJSON(w io.Writer, res *executor.Result) error {
	t := res.Table
	env := envelope{
		Route:     res.RouteID,
		RequestID: res.RequestID,
		Columns:   make([]jsonColumn, t.NumCols()),
		Records:   make([]map[string]any, t.NumRows()),
		RowCount:  t.NumRows(),
		FromCache: res.FromCache,
	}
	for i, c := range t.Cols {
		env.Columns[i] = jsonColumn{Name: c.Name, Type: c.Type.String()}
	}
	for r := range env.Records {
		rec := make(map[string]any, t.NumCols())
		for c := 0; c < t.NumCols(); c++ {
			rec[t.Cols[c].Name] = t.Cell(r, c)
		}
		env.Records[r] = rec
	}
	if res.TotalRows >= 0 {
		total := res.TotalRows
		env.TotalRows = &total
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(&env)
}

/*──────────────────────────── CSV ─────────────────────────────────────────*/

func writeCSV(w io.Writer, t *tab.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.ColNames()); err != nil {
		return err
	}
	row := make([]string, t.NumCols())
	for r := 0; r < t.NumRows(); r++ {
		for c := 0; c < t.NumCols(); c++ {
			row[c] = cache.Sample(t.Cell(r, c))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

/*──────────────────────────── Parquet / Arrow ─────────────────────────────*/

func writeParquet(w io.Writer, t *tab.Table) error {
	rec, err := t.Record(memory.DefaultAllocator)
	if err != nil {
		return err
	}
	defer rec.Release()

	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Zstd),
	)
	fw, err := pqarrow.NewFileWriter(t.Schema(), noopCloser{w}, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return err
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return err
	}
	return fw.Close()
}

func writeArrow(w io.Writer, t *tab.Table) error {
	rec, err := t.Record(memory.DefaultAllocator)
	if err != nil {
		return err
	}
	defer rec.Release()

	aw := ipc.NewWriter(w, ipc.WithSchema(t.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err := aw.Write(rec); err != nil {
		aw.Close()
		return err
	}
	return aw.Close()
}

// noopCloser lets the Parquet writer close its sink without closing
// the HTTP response underneath.
type noopCloser struct{ io.Writer }

func (noopCloser) Close() error { return nil }
