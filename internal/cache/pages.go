// internal/cache/pages.go
//
// Parquet page I/O.
//
// Context
// -------
// Pages are plain Parquet files written through the Arrow bridge, one
// record batch per page.  Zstd keeps them compact; the Arrow schema is
// stored in the file footer so pages stay readable by external tools
// (and by the SQL engine's read_parquet, which the executor uses for
// parquet_path dependencies).
package cache

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/yanizio/querydeck/internal/tab"
)

// writePage persists one table as a Parquet file at path.
func writePage(path string, t *tab.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	rec, err := t.Record(memory.DefaultAllocator)
	if err != nil {
		f.Close()
		return fmt.Errorf("page to arrow: %w", err)
	}
	defer rec.Release()

	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Zstd),
	)
	fw, err := pqarrow.NewFileWriter(t.Schema(), f, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		f.Close()
		return fmt.Errorf("parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("parquet write: %w", err)
	}
	// Close flushes the footer and closes the underlying file.
	if err := fw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}
	return nil
}

// readPage loads one Parquet page back into a table.
func readPage(ctx context.Context, path string) (*tab.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	alloc := memory.DefaultAllocator
	atbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(alloc),
		pqarrow.ArrowReadProperties{}, alloc)
	if err != nil {
		return nil, fmt.Errorf("parquet read: %w", err)
	}
	defer atbl.Release()

	var out *tab.Table
	tr := array.NewTableReader(atbl, 0)
	defer tr.Release()
	for tr.Next() {
		batch, err := tab.FromRecord(tr.Record())
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = batch
			continue
		}
		if err := out.AppendTable(batch); err != nil {
			return nil, err
		}
	}
	if err := tr.Err(); err != nil {
		return nil, fmt.Errorf("parquet scan: %w", err)
	}
	if out == nil {
		out = &tab.Table{}
	}
	return out, nil
}
