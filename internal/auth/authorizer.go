package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/target"
)

// MembershipSource reports a user's roles in a channel.
type MembershipSource interface {
	Membership(ctx context.Context, channelID, userID string) (target.Membership, error)
}

// DefaultCacheTTL bounds how long a granted decision is reused.
const DefaultCacheTTL = 30 * time.Second

type access string

const (
	accessRead  access = "read"
	accessWrite access = "write"
)

// MembershipAuthorizer grants access from channel membership. Private user
// scopes belong to their user alone. Grants are cached for a short TTL;
// denials are always re-checked so a fresh invitation takes effect at once.
type MembershipAuthorizer struct {
	members MembershipSource
	cache   *ttlcache.Cache[string, struct{}]
}

// NewMembershipAuthorizer returns an authorizer reading roles from members.
func NewMembershipAuthorizer(members MembershipSource, ttl time.Duration) *MembershipAuthorizer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithCapacity[string, struct{}](50_000),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()
	return &MembershipAuthorizer{members: members, cache: cache}
}

// Close stops the cache's expiry loop.
func (a *MembershipAuthorizer) Close() {
	a.cache.Stop()
}

// AuthorizeRead allows following a scope's changes.
func (a *MembershipAuthorizer) AuthorizeRead(ctx context.Context, actor string, scope ir.Scope) error {
	return a.authorize(ctx, actor, scope, accessRead)
}

// AuthorizeWrite allows submitting a change for table in scope. Bookmarks
// only need read access to the channel they mark.
func (a *MembershipAuthorizer) AuthorizeWrite(ctx context.Context, actor string, scope ir.Scope, table ir.Table) error {
	if table == ir.TableBookmark {
		return a.authorize(ctx, actor, scope, accessRead)
	}
	return a.authorize(ctx, actor, scope, accessWrite)
}

func (a *MembershipAuthorizer) authorize(ctx context.Context, actor string, scope ir.Scope, want access) error {
	if actor == "" {
		return ErrUnauthenticated
	}
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if !scope.IsChannel() {
		if scope.UserID != actor {
			return fmt.Errorf("%w: %s is private", ErrForbidden, scope.Key())
		}
		return nil
	}

	key := string(want) + "|" + scope.ChannelID + "|" + actor
	if a.cache.Get(key) != nil {
		return nil
	}

	m, err := a.members.Membership(ctx, scope.ChannelID, actor)
	if err != nil {
		return fmt.Errorf("load membership: %w", err)
	}
	allowed := m.CanRead()
	if want == accessWrite {
		allowed = m.CanWrite()
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot %s %s", ErrForbidden, actor, want, scope.Key())
	}
	// Channels that do not exist yet are open to their first writer; the
	// grant is not cached since roles appear once the CREATE applies.
	if m.Exists {
		a.cache.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}
	return nil
}
