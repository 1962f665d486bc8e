// Package resolver translates member emails into the external
// identities the gateways need: a GitHub username and a Lark open id.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

// ContactLookup is the slice of the Lark service the resolver uses.
type ContactLookup interface {
	GetUserIDsByEmails(ctx context.Context, emails []string) (map[string]string, error)
}

// Identity is what a gateway needs to address a member.
type Identity struct {
	GitHubUsername string
	LarkOpenID     string
}

// Resolver resolves and caches member identities. The cache is a
// read-through layer over the member row; the row stays authoritative,
// so a restart loses nothing.
type Resolver struct {
	store    storage.Storage
	contacts ContactLookup
	log      zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Identity
}

// New builds a resolver. contacts may be nil; Lark open ids then stay
// unresolved, which only suppresses assignee cells on the Bitable side.
func New(store storage.Storage, contacts ContactLookup, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		contacts: contacts,
		log:      log.With().Str("component", "resolver").Logger(),
		cache:    make(map[string]Identity),
	}
}

// Resolve returns the identity for a member id. The GitHub username is
// whatever the member row carries. The Lark open id is looked up by
// email on first use and persisted back onto the row; a failed lookup
// is non-fatal and leaves the open id empty.
func (r *Resolver) Resolve(ctx context.Context, memberID string) (Identity, error) {
	if memberID == "" {
		return Identity{}, nil
	}

	r.mu.RLock()
	id, ok := r.cache[memberID]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	member, err := r.store.GetMember(ctx, memberID)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to load member %s: %w", memberID, err)
	}

	id = Identity{
		GitHubUsername: member.GitHubUsername,
		LarkOpenID:     member.LarkOpenID,
	}

	if id.LarkOpenID == "" && r.contacts != nil {
		ids, lookupErr := r.contacts.GetUserIDsByEmails(ctx, []string{member.Email})
		if lookupErr != nil {
			r.log.Warn().Err(lookupErr).Str("member", memberID).Msg("lark contact lookup failed")
		} else if openID := ids[member.Email]; openID != "" {
			id.LarkOpenID = openID
			if err := r.persistOpenID(ctx, memberID, openID); err != nil {
				r.log.Warn().Err(err).Str("member", memberID).Msg("failed to persist lark open id")
			}
		}
	}

	// Only complete identities are cached; an unresolved open id is
	// looked up again on the next call once the directory recovers.
	if id.LarkOpenID != "" || r.contacts == nil {
		r.mu.Lock()
		r.cache[memberID] = id
		r.mu.Unlock()
	}
	return id, nil
}

// ResolveByEmail finds the member for an email and resolves it. A
// missing member returns storage.ErrNotFound.
func (r *Resolver) ResolveByEmail(ctx context.Context, email string) (string, Identity, error) {
	member, err := r.store.GetMemberByEmail(ctx, email)
	if err != nil {
		return "", Identity{}, err
	}
	id, err := r.Resolve(ctx, member.ID)
	return member.ID, id, err
}

// MemberByGitHubLogin finds the member whose forge username matches
// login. Used by the pull side to attribute issue assignees.
func (r *Resolver) MemberByGitHubLogin(ctx context.Context, login string) (*types.Member, error) {
	if login == "" {
		return nil, storage.ErrNotFound
	}
	members, err := r.store.ListMembers(ctx, storage.MemberFilter{})
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.GitHubUsername == login {
			return m, nil
		}
	}
	return nil, storage.ErrNotFound
}

// MemberByLarkOpenID finds the member bound to a Lark open id.
func (r *Resolver) MemberByLarkOpenID(ctx context.Context, openID string) (*types.Member, error) {
	if openID == "" {
		return nil, storage.ErrNotFound
	}
	members, err := r.store.ListMembers(ctx, storage.MemberFilter{})
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.LarkOpenID == openID {
			return m, nil
		}
	}
	return nil, storage.ErrNotFound
}

// Invalidate drops the cached identity and clears the stored open id so
// the next Resolve re-queries the contact directory. Dispatch handlers
// call this when a gateway reports the id invalid.
func (r *Resolver) Invalidate(ctx context.Context, memberID string) error {
	r.mu.Lock()
	delete(r.cache, memberID)
	r.mu.Unlock()
	return r.persistOpenID(ctx, memberID, "")
}

func (r *Resolver) persistOpenID(ctx context.Context, memberID, openID string) error {
	return r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		member, err := tx.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		member.LarkOpenID = openID
		return tx.UpsertMember(ctx, member)
	})
}
