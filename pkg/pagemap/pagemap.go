// Package pagemap tracks which byte ranges of an open file's staging copy
// have been fetched from the backing object and which have been modified
// locally since. It is the sparse bookkeeping layer the file-descriptor
// cache consults before deciding whether a read needs to fall back to the
// backend and which ranges a flush must upload.
package pagemap

import (
	"fmt"
	"sort"
	"sync"
)

// Page describes one tracked byte range within a file. Ranges held by a
// PageMap never overlap and are kept sorted by Offset.
type Page struct {
	Offset   int64
	Length   int64
	Loaded   bool
	Modified bool
}

// End returns the exclusive end offset of the page.
func (p Page) End() int64 {
	return p.Offset + p.Length
}

// PageMap is a coalescing, sorted list of Pages describing a single file's
// load/modify state. All operations are safe for concurrent use.
type PageMap struct {
	mu       sync.RWMutex
	pageSize int64
	size     int64
	pages    []Page
}

// New creates an empty PageMap for a file whose backing size is size bytes.
// pageSize governs the granularity RoundToPage rounds ranges to; a
// non-positive value is replaced by 1.
func New(size int64, pageSize int64) *PageMap {
	if pageSize <= 0 {
		pageSize = 1
	}
	return &PageMap{
		pageSize: pageSize,
		size:     size,
	}
}

// Size returns the file size the map was created or last resized with.
func (m *PageMap) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// PageSize returns the granularity new load requests are rounded to.
func (m *PageMap) PageSize() int64 {
	return m.pageSize
}

// MarkLoaded records that [offset, offset+length) has been fetched from the
// backend and is now present, unmodified, in the staging file.
func (m *PageMap) MarkLoaded(offset, length int64) {
	if length <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(offset, length, func(p *Page) { p.Loaded = true })
}

// MarkModified records that [offset, offset+length) has been written
// locally and diverges from the backend's copy. A modified range is
// implicitly loaded — there is no backend copy of data the caller just
// wrote that needs re-fetching.
func (m *PageMap) MarkModified(offset, length int64) {
	if length <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(offset, length, func(p *Page) { p.Loaded = true; p.Modified = true })
	if end := offset + length; end > m.size {
		m.size = end
	}
}

// apply splits/coalesces the tracked range list so that [offset, offset+length)
// is represented by pages with mutate applied, merging with any existing
// pages that land inside the range and preserving pages outside it.
func (m *PageMap) apply(offset, length int64, mutate func(*Page)) {
	start, end := offset, offset+length
	var result []Page
	inserted := false
	newPage := Page{Offset: start, Length: end - start}
	mutate(&newPage)

	for _, p := range m.pages {
		if p.End() <= start || p.Offset >= end {
			// Entirely outside the target range; keep as-is, but insert
			// the new page in sorted position first.
			if !inserted && p.Offset >= end {
				result = append(result, newPage)
				inserted = true
			}
			result = append(result, p)
			continue
		}
		// p overlaps [start, end). Split off the parts outside the range
		// and fold the overlapping part's flags into newPage via OR —
		// a byte already loaded/modified stays that way even if this
		// particular apply call only asked for, say, Loaded.
		if p.Offset < start {
			result = append(result, Page{Offset: p.Offset, Length: start - p.Offset, Loaded: p.Loaded, Modified: p.Modified})
		}
		newPage.Loaded = newPage.Loaded || p.Loaded
		newPage.Modified = newPage.Modified || p.Modified
		if p.End() > end {
			result = append(result, Page{Offset: end, Length: p.End() - end, Loaded: p.Loaded, Modified: p.Modified})
		}
	}
	if !inserted {
		result = append(result, newPage)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Offset < result[j].Offset })
	m.pages = coalesce(result)
}

// coalesce merges adjacent pages sharing the same Loaded/Modified flags.
func coalesce(pages []Page) []Page {
	if len(pages) == 0 {
		return pages
	}
	out := make([]Page, 0, len(pages))
	cur := pages[0]
	for _, p := range pages[1:] {
		if p.Length == 0 {
			continue
		}
		if cur.End() == p.Offset && cur.Loaded == p.Loaded && cur.Modified == p.Modified {
			cur.Length += p.Length
			continue
		}
		if cur.Length > 0 {
			out = append(out, cur)
		}
		cur = p
	}
	if cur.Length > 0 {
		out = append(out, cur)
	}
	return out
}

// MissingRanges returns the subranges of [offset, offset+length) that are
// not yet Loaded, in ascending order. A read can be satisfied locally once
// every range returned here has been fetched and handed to MarkLoaded.
func (m *PageMap) MissingRanges(offset, length int64) []Page {
	if length <= 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, end := offset, offset+length
	var missing []Page
	cursor := start
	for _, p := range m.pages {
		if p.End() <= cursor {
			continue
		}
		if p.Offset >= end {
			break
		}
		if p.Offset > cursor {
			missing = append(missing, Page{Offset: cursor, Length: p.Offset - cursor})
		}
		if !p.Loaded {
			gapEnd := min64(p.End(), end)
			missing = append(missing, Page{Offset: max64(p.Offset, cursor), Length: gapEnd - max64(p.Offset, cursor)})
		}
		cursor = max64(cursor, p.End())
		if cursor >= end {
			break
		}
	}
	if cursor < end {
		missing = append(missing, Page{Offset: cursor, Length: end - cursor})
	}
	return missing
}

// ModifiedRanges returns the current set of modified pages, in ascending
// order. The multipart scheduler partitions its parts from this list: each
// returned range became a candidate upload-part run, and any gap between
// returned ranges is a candidate copy-part run against the prior object
// version.
func (m *PageMap) ModifiedRanges() []Page {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Page
	for _, p := range m.pages {
		if p.Modified {
			out = append(out, p)
		}
	}
	return out
}

// IsFullyLoaded reports whether every byte in [0, Size()) is Loaded.
func (m *PageMap) IsFullyLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cursor := int64(0)
	for _, p := range m.pages {
		if p.Offset > cursor {
			return false
		}
		if !p.Loaded {
			return false
		}
		cursor = p.End()
	}
	return cursor >= m.size
}

// Resize adjusts the tracked file size, truncating or extending the page
// list accordingly. Truncating drops pages beyond the new size; extending
// leaves the new tail unloaded and unmodified until written or read.
func (m *PageMap) Resize(newSize int64) error {
	if newSize < 0 {
		return fmt.Errorf("pagemap: negative size %d", newSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if newSize < m.size {
		var kept []Page
		for _, p := range m.pages {
			if p.Offset >= newSize {
				continue
			}
			if p.End() > newSize {
				p.Length = newSize - p.Offset
			}
			kept = append(kept, p)
		}
		m.pages = kept
	} else if newSize > m.size {
		m.apply(m.size, newSize-m.size, func(p *Page) {})
	}
	m.size = newSize
	return nil
}

// RoundToPage returns the page-aligned range covering [offset, offset+length)
// at this map's page size, used by the file-descriptor cache to decide the
// unit of work for a backend fetch.
func (m *PageMap) RoundToPage(offset, length int64) (start, end int64) {
	ps := m.pageSize
	start = (offset / ps) * ps
	rawEnd := offset + length
	end = ((rawEnd + ps - 1) / ps) * ps
	return start, end
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
