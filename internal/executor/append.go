// internal/executor/append.go
//
// Append mode: successful executions land in a rolling CSV under
// <storage_root>/runtime/appends/<name>.csv.  The header row is
// written when the file is first created.  Append failures are logged
// and never fail the request that produced the rows.
package executor

import (
	"encoding/csv"
	"os"
	"path/filepath"

	"github.com/yanizio/querydeck/internal/cache"
	"github.com/yanizio/querydeck/internal/route"
	"github.com/yanizio/querydeck/internal/tab"
)

// appendResult writes the served rows to the route's append file.
// Writers are serialised process-wide; the files are small operational
// logs, not a data path.
func (e *Executor) appendResult(def *route.Definition, t *tab.Table) {
	if e.appendDir == "" || t.NumRows() == 0 {
		return
	}

	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	if err := os.MkdirAll(e.appendDir, 0o755); err != nil {
		e.log.Errorw("append dir", "route", def.ID, "error", err)
		return
	}

	path := filepath.Join(e.appendDir, def.Append.Name+".csv")
	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.Errorw("append open", "route", def.ID, "file", path, "error", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(t.ColNames()); err != nil {
			e.log.Errorw("append header", "route", def.ID, "file", path, "error", err)
			return
		}
	}

	row := make([]string, t.NumCols())
	for r := 0; r < t.NumRows(); r++ {
		for c := 0; c < t.NumCols(); c++ {
			row[c] = cache.Sample(t.Cell(r, c))
		}
		if err := w.Write(row); err != nil {
			e.log.Errorw("append row", "route", def.ID, "file", path, "error", err)
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		e.log.Errorw("append flush", "route", def.ID, "file", path, "error", err)
	}
}
