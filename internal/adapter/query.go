package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ModifiedTimeLayout is the RFC 3339 form with milliseconds used in filters.
const ModifiedTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// BuildQuery composes the provider filter expression for opts. It returns an
// empty string when neither a modification bound nor a query is set.
func BuildQuery(opts ListOptions) string {
	var clauses []string
	if !opts.ModifiedSince.IsZero() {
		clauses = append(clauses, fmt.Sprintf("modifiedTime > '%s'", opts.ModifiedSince.UTC().Format(ModifiedTimeLayout)))
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		clauses = append(clauses, q)
	}
	return strings.Join(clauses, " and ")
}

// Paginate calls l.ListFiles once per page, passing each cursor forward,
// until a page reports no more results. fn sees every page in order; an
// error from fn or the lister stops the loop. It returns the number of pages read.
func Paginate(ctx context.Context, l FileLister, opts ListOptions, fn func(*Page) error) (int, error) {
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		page, err := l.ListFiles(ctx, opts)
		if err != nil {
			return pages, fmt.Errorf("list page %d: %w", pages+1, err)
		}
		pages++
		if err := fn(page); err != nil {
			return pages, err
		}
		if !page.HasMore {
			return pages, nil
		}
		opts.PageCursor = page.NextCursor
	}
}

// ParseModifiedTime parses a provider timestamp.
func ParseModifiedTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
