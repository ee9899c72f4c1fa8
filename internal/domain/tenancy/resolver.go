package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Variant string

const (
	VariantOK       Variant = "ok"
	VariantDefault  Variant = "default"
	VariantDegraded Variant = "degraded"
)

// Resolution is the outcome of resolving a user's tenants. Degraded results
// carry the cause in Err; callers decide whether to proceed.
type Resolution struct {
	Variant Variant         `json:"variant"`
	Tenants []TenantContext `json:"tenants"`
	Active  *TenantContext  `json:"activeTenant,omitempty"`
	Err     error           `json:"-"`
}

// SyncRecorder receives one call per membership sync. metrics.Metrics satisfies it.
type SyncRecorder interface {
	MembershipSync(err error)
}

const (
	syncInitialInterval = 300 * time.Millisecond
	// one attempt plus three retries
	syncMaxTries = 4
)

type Resolver struct {
	memberships MembershipRepository
	users       UserMetadataRepository
	recorder    SyncRecorder

	syncInterval time.Duration
	syncTries    uint
}

func NewResolver(memberships MembershipRepository, users UserMetadataRepository, rec SyncRecorder) *Resolver {
	return &Resolver{
		memberships:  memberships,
		users:        users,
		recorder:     rec,
		syncInterval: syncInitialInterval,
		syncTries:    syncMaxTries,
	}
}

// Resolve lists the user's tenants and picks the active one. The persisted
// active organization wins while the user still belongs to it; otherwise the
// earliest membership is chosen and persisted.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) Resolution {
	profile, err := r.users.GetProfile(ctx, userID)
	if err != nil {
		return degraded(fmt.Errorf("load profile: %w", err))
	}
	rows, err := r.memberships.ListForUser(ctx, userID)
	if err != nil {
		return degraded(fmt.Errorf("list memberships: %w", err))
	}
	if len(rows) == 0 {
		t := DefaultTenant(profile.FullName)
		return Resolution{Variant: VariantDefault, Tenants: []TenantContext{t}, Active: &t}
	}

	tenants := make([]TenantContext, len(rows))
	active := 0
	for i, row := range rows {
		tenants[i] = row.tenant()
		if profile.ActiveOrganizationID != nil && row.OrganizationID == *profile.ActiveOrganizationID {
			active = i
		}
	}
	res := Resolution{Variant: VariantOK, Tenants: tenants, Active: &tenants[active]}

	chosen := rows[active]
	stale := profile.ActiveOrganizationID == nil || *profile.ActiveOrganizationID != chosen.OrganizationID ||
		profile.Role != chosen.RoleID
	if stale {
		if err := r.persist(ctx, userID, chosen.OrganizationID, chosen.RoleID); err != nil {
			log.Warn().Err(err).Str("user_id", userID.String()).Msg("membership sync failed")
		}
	}
	return res
}

// Sync refreshes the cached active tenant from memberships and reports the
// sync error, if any.
func (r *Resolver) Sync(ctx context.Context, userID uuid.UUID) (Resolution, error) {
	res := r.Resolve(ctx, userID)
	switch res.Variant {
	case VariantDegraded:
		return res, res.Err
	case VariantDefault:
		return res, nil
	}
	orgID, err := uuid.Parse(res.Active.OrganizationID)
	if err != nil {
		return res, err
	}
	return res, r.persist(ctx, userID, orgID, res.Active.Role)
}

// Switch makes orgID the user's active tenant.
func (r *Resolver) Switch(ctx context.Context, userID, orgID uuid.UUID) (Resolution, error) {
	m, err := r.memberships.Get(ctx, userID, orgID)
	if errors.Is(err, ErrMembershipNotFound) {
		return Resolution{}, ErrNotMember
	}
	if err != nil {
		return Resolution{}, err
	}
	if err := r.persist(ctx, userID, orgID, m.RoleID); err != nil {
		return Resolution{}, fmt.Errorf("persist active tenant: %w", err)
	}
	return r.Resolve(ctx, userID), nil
}

func (r *Resolver) persist(ctx context.Context, userID, orgID uuid.UUID, role string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.users.SetActiveTenant(ctx, userID, orgID, role)
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     r.syncInterval,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         r.syncInterval * 8,
		}),
		backoff.WithMaxTries(r.syncTries),
	)
	if r.recorder != nil {
		r.recorder.MembershipSync(err)
	}
	return err
}

func degraded(err error) Resolution {
	log.Error().Err(err).Msg("tenant resolution degraded")
	return Resolution{Variant: VariantDegraded, Tenants: []TenantContext{}, Err: err}
}
