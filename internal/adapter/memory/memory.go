// Package memory is an in-process file provider used in DEV_MODE and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/model"
)

// Provider serves files from memory, ordered by modifiedTime descending.
// Cursors are offsets into the filtered listing.
type Provider struct {
	mu       sync.RWMutex
	files    map[string]model.RawFileRecord
	contents map[string][]byte

	failList error
	calls    int
}

func NewProvider() *Provider {
	return &Provider{
		files:    make(map[string]model.RawFileRecord),
		contents: make(map[string][]byte),
	}
}

// Put adds or replaces a file.
func (p *Provider) Put(rec model.RawFileRecord, content []byte) {
	id, _ := rec.ID()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[id] = rec
	if content != nil {
		p.contents[id] = content
	}
}

// FailNextList makes the next ListFiles call return err.
func (p *Provider) FailNextList(err error) {
	p.mu.Lock()
	p.failList = err
	p.mu.Unlock()
}

// Calls reports how many ListFiles calls were made.
func (p *Provider) Calls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

func modifiedTime(rec model.RawFileRecord) time.Time {
	s, _ := rec["modifiedTime"].(string)
	t, _ := adapter.ParseModifiedTime(s)
	return t
}

func (p *Provider) ListFiles(ctx context.Context, opts adapter.ListOptions) (*adapter.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.calls++
	if err := p.failList; err != nil {
		p.failList = nil
		p.mu.Unlock()
		return nil, err
	}
	matched := make([]model.RawFileRecord, 0, len(p.files))
	for _, rec := range p.files {
		if !opts.ModifiedSince.IsZero() && !modifiedTime(rec).After(opts.ModifiedSince) {
			continue
		}
		matched = append(matched, rec)
	}
	p.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		ti, tj := modifiedTime(matched[i]), modifiedTime(matched[j])
		if ti.Equal(tj) {
			a, _ := matched[i].ID()
			b, _ := matched[j].ID()
			return a < b
		}
		return ti.After(tj)
	})

	offset := 0
	if opts.PageCursor != "" {
		n, err := strconv.Atoi(opts.PageCursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid page cursor %q", opts.PageCursor)
		}
		offset = n
	}
	size := opts.PageSize
	if size <= 0 {
		size = 100
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}

	page := &adapter.Page{Files: matched[offset:end]}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
		page.HasMore = true
	}
	return page, nil
}

func (p *Provider) GetFile(_ context.Context, fileID string) (model.RawFileRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, adapter.ErrNotFound)
	}
	return rec, nil
}

func (p *Provider) GetFileContent(_ context.Context, fileID, _ string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	content, ok := p.contents[fileID]
	if !ok {
		return nil, fmt.Errorf("content of %s: %w", fileID, adapter.ErrNotFound)
	}
	return content, nil
}

// Seed fills p with a handful of demo files owned by two users.
func Seed(p *Provider, now time.Time) {
	owners := []map[string]any{
		{"permissionId": "demo-perm-1", "emailAddress": "alice@example.com", "displayName": "Alice"},
		{"permissionId": "demo-perm-2", "emailAddress": "bob@example.com", "displayName": "Bob"},
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("demo-file-%d", i+1)
		p.Put(model.RawFileRecord{
			"id":           id,
			"name":         fmt.Sprintf("Demo %d.txt", i+1),
			"mimeType":     "text/plain",
			"size":         strconv.Itoa(100 * (i + 1)),
			"createdTime":  now.Add(-time.Duration(48+i) * time.Hour).UTC().Format(time.RFC3339),
			"modifiedTime": now.Add(-time.Duration(i) * time.Hour).UTC().Format(time.RFC3339),
			"owners":       []any{owners[i%2]},
			"permissions":  []any{},
			"shared":       false,
			"trashed":      false,
		}, []byte("demo content "+id))
	}
}
