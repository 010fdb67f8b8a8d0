package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/store"
)

type owner struct {
	PermissionID string
	Email        string
	DisplayName  *string
	PhotoLink    *string
}

// ownerOf returns the first owner that has both an email and a permission id.
func ownerOf(rec model.RawFileRecord) (owner, bool) {
	owners, ok := rec["owners"].([]any)
	if !ok {
		return owner{}, false
	}
	for _, o := range owners {
		m, ok := o.(map[string]any)
		if !ok {
			continue
		}
		pid, _ := m["permissionId"].(string)
		email, _ := m["emailAddress"].(string)
		if strings.TrimSpace(pid) == "" || strings.TrimSpace(email) == "" {
			continue
		}
		return owner{
			PermissionID: pid,
			Email:        email,
			DisplayName:  stringPtr(m["displayName"]),
			PhotoLink:    stringPtr(m["photoLink"]),
		}, true
	}
	return owner{}, false
}

func stringPtr(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// resolveOwner finds or creates the User for the record's owner and returns
// its id, or nil when the record has no resolvable owner.
func (p *Processor) resolveOwner(ctx context.Context, rec model.RawFileRecord) (*string, string, error) {
	o, ok := ownerOf(rec)
	if !ok {
		return nil, "", nil
	}

	unlock := p.owners.Lock(o.PermissionID)
	defer unlock()

	u, err := p.store.FindUserByPermissionID(ctx, o.PermissionID)
	if errors.Is(err, store.ErrNotFound) {
		now := p.opts.Now().UTC()
		u = &model.User{
			ID:           uuid.NewString(),
			PermissionID: o.PermissionID,
			Email:        o.Email,
			DisplayName:  o.DisplayName,
			PhotoLink:    o.PhotoLink,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = p.store.CreateUser(ctx, u)
		if err == nil {
			return &u.ID, o.PermissionID, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, "", fmt.Errorf("create user %s: %w", o.PermissionID, err)
		}
		// Another writer created it first.
		u, err = p.store.FindUserByPermissionID(ctx, o.PermissionID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("find user %s: %w", o.PermissionID, err)
	}

	if u.Email != o.Email || !equalPtr(u.DisplayName, o.DisplayName) || !equalPtr(u.PhotoLink, o.PhotoLink) {
		updated := *u
		updated.Email = o.Email
		updated.DisplayName = o.DisplayName
		updated.PhotoLink = o.PhotoLink
		updated.UpdatedAt = p.opts.Now().UTC()
		if err := p.store.UpdateUser(ctx, &updated); err != nil {
			return nil, "", fmt.Errorf("update user %s: %w", o.PermissionID, err)
		}
	}
	return &u.ID, o.PermissionID, nil
}
