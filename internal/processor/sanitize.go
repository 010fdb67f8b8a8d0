package processor

import (
	"strings"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/model"
)

// sanitize maps a validated record onto a CanonicalFile. The full original
// payload is kept in Metadata.
func sanitize(rec model.RawFileRecord) *model.CanonicalFile {
	f := &model.CanonicalFile{
		ID:          strings.TrimSpace(rec["id"].(string)),
		Name:        strings.TrimSpace(rec["name"].(string)),
		MimeType:    strings.TrimSpace(rec["mimeType"].(string)),
		IconLink:    optionalString(rec, "iconLink"),
		WebViewLink: optionalString(rec, "webViewLink"),
		Permissions: []any{},
		Metadata:    make(map[string]any, len(rec)),
	}
	for k, v := range rec {
		f.Metadata[k] = v
	}

	if v, ok := present(rec, "size"); ok {
		if s, err := numericString(v); err == nil {
			f.Size = &s
		}
	}
	if v, ok := present(rec, "version"); ok {
		if s, err := numericString(v); err == nil {
			f.Version = &s
		}
	}
	f.Shared, _ = rec["shared"].(bool)
	f.Trashed, _ = rec["trashed"].(bool)
	if s, ok := rec["createdTime"].(string); ok {
		if t, err := adapter.ParseModifiedTime(s); err == nil {
			f.CreatedTime = &t
		}
	}
	if s, ok := rec["modifiedTime"].(string); ok {
		if t, err := adapter.ParseModifiedTime(s); err == nil {
			f.ModifiedTime = &t
		}
	}
	if m, ok := rec["lastModifyingUser"].(map[string]any); ok {
		f.LastModifyingUser = m
	}
	if m, ok := rec["capabilities"].(map[string]any); ok {
		f.Capabilities = m
	}
	if p, ok := rec["permissions"].([]any); ok {
		f.Permissions = p
	}
	return f
}

func optionalString(rec model.RawFileRecord, field string) *string {
	s, ok := rec[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil
	}
	s = strings.TrimSpace(s)
	return &s
}
