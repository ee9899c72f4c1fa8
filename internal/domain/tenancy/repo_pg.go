package tenancy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meddocs/meddocs/internal/platform/db"
)

// -- Organization Repository --

type orgRepoPG struct {
	pool *pgxpool.Pool
}

func NewOrganizationRepo(pool *pgxpool.Pool) OrganizationRepository {
	return &orgRepoPG{pool: pool}
}

func (r *orgRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *orgRepoPG) Create(ctx context.Context, org *Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO organizations (id, name, organization_type, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		org.ID, org.Name, org.Type, org.CreatedBy,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
}

func (r *orgRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	var o Organization
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, organization_type, created_by, created_at, updated_at
		FROM organizations WHERE id = $1`, id).Scan(
		&o.ID, &o.Name, &o.Type, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt,
	)
	if db.IsNoRows(err) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// -- Membership Repository --

type membershipRepoPG struct {
	pool *pgxpool.Pool
}

func NewMembershipRepo(pool *pgxpool.Pool) MembershipRepository {
	return &membershipRepoPG{pool: pool}
}

func (r *membershipRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *membershipRepoPG) Create(ctx context.Context, m *Membership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO memberships (id, user_id, organization_id, role_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		m.ID, m.UserID, m.OrganizationID, m.RoleID,
	).Scan(&m.CreatedAt)
}

func (r *membershipRepoPG) Get(ctx context.Context, userID, orgID uuid.UUID) (*Membership, error) {
	var m Membership
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, organization_id, role_id, created_at
		FROM memberships WHERE user_id = $1 AND organization_id = $2`, userID, orgID).Scan(
		&m.ID, &m.UserID, &m.OrganizationID, &m.RoleID, &m.CreatedAt,
	)
	if db.IsNoRows(err) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *membershipRepoPG) ListForUser(ctx context.Context, userID uuid.UUID) ([]MembershipRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.organization_id, o.name, o.organization_type, m.role_id, ro.name, ro.permissions, m.created_at
		FROM memberships m
		LEFT JOIN organizations o ON o.id = m.organization_id
		LEFT JOIN roles ro ON ro.id = m.role_id
		WHERE m.user_id = $1
		ORDER BY m.created_at, m.organization_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MembershipRow
	for rows.Next() {
		var m MembershipRow
		if err := rows.Scan(&m.OrganizationID, &m.OrganizationName, &m.OrganizationType,
			&m.RoleID, &m.RoleName, &m.Permissions, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// -- Role Repository --

type roleRepoPG struct {
	pool *pgxpool.Pool
}

func NewRoleRepo(pool *pgxpool.Pool) RoleRepository {
	return &roleRepoPG{pool: pool}
}

func (r *roleRepoPG) List(ctx context.Context) ([]*Role, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, name, permissions FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var ro Role
		if err := rows.Scan(&ro.ID, &ro.Name, &ro.Permissions); err != nil {
			return nil, err
		}
		roles = append(roles, &ro)
	}
	return roles, rows.Err()
}

func (r *roleRepoPG) GetByID(ctx context.Context, id string) (*Role, error) {
	var ro Role
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, permissions FROM roles WHERE id = $1`, id).Scan(&ro.ID, &ro.Name, &ro.Permissions)
	if db.IsNoRows(err) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ro, nil
}

// -- User Metadata Repository --

type userMetaRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserMetadataRepo(pool *pgxpool.Pool) UserMetadataRepository {
	return &userMetaRepoPG{pool: pool}
}

type userMetadata struct {
	ActiveOrganizationID string `json:"active_organization_id,omitempty"`
	Role                 string `json:"role,omitempty"`
}

func (r *userMetaRepoPG) GetProfile(ctx context.Context, userID uuid.UUID) (*UserProfile, error) {
	var (
		p   UserProfile
		raw []byte
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, email, full_name, metadata FROM users WHERE id = $1`, userID).Scan(&p.ID, &p.Email, &p.FullName, &raw)
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}

	var meta userMetadata
	if len(raw) > 0 {
		// a malformed cache is treated as empty
		_ = json.Unmarshal(raw, &meta)
	}
	if id, err := uuid.Parse(meta.ActiveOrganizationID); err == nil {
		p.ActiveOrganizationID = &id
	}
	p.Role = meta.Role
	return &p, nil
}

func (r *userMetaRepoPG) SetActiveTenant(ctx context.Context, userID, orgID uuid.UUID, role string) error {
	patch, err := json.Marshal(userMetadata{ActiveOrganizationID: orgID.String(), Role: role})
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE users SET metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $1`, userID, patch)
	return err
}
