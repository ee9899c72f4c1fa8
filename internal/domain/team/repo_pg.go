package team

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meddocs/meddocs/internal/platform/db"
)

// -- Member Repository --

type memberRepoPG struct {
	pool *pgxpool.Pool
}

func NewMemberRepo(pool *pgxpool.Pool) MemberRepository {
	return &memberRepoPG{pool: pool}
}

func (r *memberRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *memberRepoPG) ListByOrganization(ctx context.Context, orgID uuid.UUID) ([]*Member, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT m.id, m.user_id, u.email, u.full_name, m.role_id, COALESCE(ro.name, 'Member'), m.created_at
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		LEFT JOIN roles ro ON ro.id = m.role_id
		WHERE m.organization_id = $1
		ORDER BY m.created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.UserID, &m.Email, &m.FullName, &m.RoleID, &m.RoleName, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

func (r *memberRepoPG) CountOwners(ctx context.Context, orgID uuid.UUID) (int, error) {
	// FOR UPDATE cannot be combined with an aggregate; lock the rows and count them here.
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id FROM memberships WHERE organization_id = $1 AND role_id = 'owner' ORDER BY id FOR UPDATE`, orgID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

func (r *memberRepoPG) IsMemberByEmail(ctx context.Context, orgID uuid.UUID, email string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM memberships m JOIN users u ON u.id = m.user_id
			WHERE m.organization_id = $1 AND u.email = $2
		)`, orgID, email).Scan(&exists)
	return exists, err
}

func (r *memberRepoPG) UpdateRole(ctx context.Context, orgID, userID uuid.UUID, roleID string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE memberships SET role_id = $3 WHERE organization_id = $1 AND user_id = $2`, orgID, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (r *memberRepoPG) Delete(ctx context.Context, orgID, userID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM memberships WHERE organization_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// -- Invitation Repository --

type invitationRepoPG struct {
	pool *pgxpool.Pool
}

func NewInvitationRepo(pool *pgxpool.Pool) InvitationRepository {
	return &invitationRepoPG{pool: pool}
}

func (r *invitationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const invitationColumns = `i.id, i.organization_id, i.email, i.role_id, i.token, i.invited_by,
	i.expires_at, i.accepted, i.accepted_at, i.created_at`

const invitationViewJoins = `
	LEFT JOIN roles ro ON ro.id = i.role_id
	LEFT JOIN organizations o ON o.id = i.organization_id
	LEFT JOIN users u ON u.id = i.invited_by`

func scanInvitation(row pgx.Row) (*Invitation, error) {
	var inv Invitation
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &inv.RoleID, &inv.Token, &inv.InvitedBy,
		&inv.ExpiresAt, &inv.Accepted, &inv.AcceptedAt, &inv.CreatedAt)
	if db.IsNoRows(err) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanInvitationView(row pgx.Row) (*InvitationView, error) {
	var (
		v                          InvitationView
		roleName, orgName, inviter *string
	)
	err := row.Scan(&v.ID, &v.OrganizationID, &v.Email, &v.RoleID, &v.Token, &v.InvitedBy,
		&v.ExpiresAt, &v.Accepted, &v.AcceptedAt, &v.CreatedAt, &roleName, &orgName, &inviter)
	if db.IsNoRows(err) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, err
	}
	v.RoleName = defaultInvitationRoleName
	if roleName != nil && *roleName != "" {
		v.RoleName = *roleName
	}
	v.OrganizationName = "Organization"
	if orgName != nil && *orgName != "" {
		v.OrganizationName = *orgName
	}
	if inviter != nil {
		v.InvitedByName = *inviter
	}
	return &v, nil
}

func (r *invitationRepoPG) Create(ctx context.Context, inv *Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invitations (id, organization_id, email, role_id, token, invited_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		inv.ID, inv.OrganizationID, inv.Email, inv.RoleID, inv.Token, inv.InvitedBy, inv.ExpiresAt,
	).Scan(&inv.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyInvited
	}
	return err
}

func (r *invitationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	return scanInvitation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM invitations i WHERE i.id = $1`, id))
}

func (r *invitationRepoPG) GetByToken(ctx context.Context, token string) (*InvitationView, error) {
	return scanInvitationView(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invitationColumns+`, ro.name, o.name, u.full_name FROM invitations i`+
			invitationViewJoins+` WHERE i.token = $1`, token))
}

func (r *invitationRepoPG) LockByToken(ctx context.Context, token string) (*Invitation, error) {
	return scanInvitation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM invitations i WHERE i.token = $1 FOR UPDATE`, token))
}

func (r *invitationRepoPG) ListPending(ctx context.Context, orgID uuid.UUID, now time.Time) ([]*InvitationView, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+invitationColumns+`, ro.name, o.name, u.full_name FROM invitations i`+
			invitationViewJoins+` WHERE i.organization_id = $1 AND NOT i.accepted AND i.expires_at >= $2
			ORDER BY i.created_at DESC`, orgID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InvitationView
	for rows.Next() {
		v, err := scanInvitationView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *invitationRepoPG) MarkAccepted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE invitations SET accepted = TRUE, accepted_at = $2 WHERE id = $1 AND NOT accepted`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *invitationRepoPG) ExtendExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE invitations SET expires_at = $2 WHERE id = $1 AND NOT accepted`, id, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvitationAccepted
	}
	return nil
}

func (r *invitationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM invitations WHERE id = $1`, id)
	return err
}

func (r *invitationRepoPG) DeleteExpired(ctx context.Context, orgID uuid.UUID, email string, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM invitations
		WHERE organization_id = $1 AND email = $2 AND NOT accepted AND expires_at < $3`,
		orgID, email, now)
	return err
}

func (r *invitationRepoPG) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM invitations WHERE NOT accepted AND expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
