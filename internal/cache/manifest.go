// internal/cache/manifest.go
//
// Cache directory manifests.
//
// Context
// -------
// Every materialised (route, fingerprint) directory carries one
// manifest.json describing its pages: the Arrow schema (base64 IPC),
// per-page row counts, and the invariant index mapping parameter value
// tokens to the pages containing them.  The manifest is the commit
// record: it is written last, to a temp file, then renamed, so a
// directory with a readable manifest always has all of its pages.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// PageMeta records one page's position and row count.
type PageMeta struct {
	Index int `json:"index"`
	Rows  int `json:"rows"`
}

// IndexEntry lists the pages containing one token, plus a display
// sample in original case.
type IndexEntry struct {
	Pages  []int  `json:"pages"`
	Sample string `json:"sample"`
}

// InvariantIndex maps parameter name to token to entry.
type InvariantIndex map[string]map[string]*IndexEntry

// Manifest is the sidecar committed after materialisation.
type Manifest struct {
	Schema         string         `json:"schema"`
	Pages          []PageMeta     `json:"pages"`
	TotalRows      int            `json:"total_rows"`
	InvariantIndex InvariantIndex `json:"invariant_index"`
	CreatedAt      time.Time      `json:"created_at"`
	RowsPerPage    int            `json:"rows_per_page"`
}

const manifestName = "manifest.json"

func nowUTC() time.Time { return time.Now().UTC() }

// PageFile names page n inside a cache directory.
func PageFile(n int) string { return fmt.Sprintf("page-%05d.parquet", n) }

// PagePath joins a cache directory and a page index.
func PagePath(dir string, n int) string { return filepath.Join(dir, PageFile(n)) }

// addObservation records that page holds token for param.  The first
// observation keeps its sample.
func (ix InvariantIndex) addObservation(param, token, sample string, page int) {
	byToken, ok := ix[param]
	if !ok {
		byToken = make(map[string]*IndexEntry)
		ix[param] = byToken
	}
	entry, ok := byToken[token]
	if !ok {
		byToken[token] = &IndexEntry{Pages: []int{page}, Sample: sample}
		return
	}
	if len(entry.Pages) == 0 || entry.Pages[len(entry.Pages)-1] != page {
		entry.Pages = append(entry.Pages, page)
	}
}

// pagesFor returns the union of pages across the given tokens.  The
// second result reports whether every token was present in the index.
func (ix InvariantIndex) pagesFor(param string, tokens []string) ([]int, bool) {
	byToken := ix[param]
	seen := map[int]bool{}
	allKnown := true
	for _, tok := range tokens {
		entry, ok := byToken[tok]
		if !ok {
			allKnown = false
			continue
		}
		for _, p := range entry.Pages {
			seen[p] = true
		}
	}
	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, allKnown
}

// LoadManifest reads and validates a directory's manifest.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest decode: %w", err)
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the manifest atomically into dir.
func (m *Manifest) Save(dir string) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, manifestName+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, manifestName))
}

// check verifies internal consistency: contiguous page numbering,
// matching totals, and index entries pointing at real pages.
func (m *Manifest) check() error {
	total := 0
	for i, p := range m.Pages {
		if p.Index != i {
			return fmt.Errorf("manifest page %d has index %d", i, p.Index)
		}
		if p.Rows < 0 {
			return fmt.Errorf("manifest page %d has %d rows", i, p.Rows)
		}
		total += p.Rows
	}
	if total != m.TotalRows {
		return fmt.Errorf("manifest totals disagree: pages sum %d, total_rows %d", total, m.TotalRows)
	}
	for param, byToken := range m.InvariantIndex {
		for token, entry := range byToken {
			for _, p := range entry.Pages {
				if p < 0 || p >= len(m.Pages) {
					return fmt.Errorf("index %s/%s references page %d of %d", param, token, p, len(m.Pages))
				}
			}
		}
	}
	return nil
}

// pageOffsets returns, for each page, the absolute row offset of its
// first row.
func (m *Manifest) pageOffsets() []int {
	offsets := make([]int, len(m.Pages))
	run := 0
	for i, p := range m.Pages {
		offsets[i] = run
		run += p.Rows
	}
	return offsets
}
