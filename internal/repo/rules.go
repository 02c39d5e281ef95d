package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateAssignmentRule stores a new rule.
func (r *PostgresRepository) CreateAssignmentRule(ctx context.Context, rule AssignmentRule) (*AssignmentRule, error) {
	conditions, err := toJSON(rule.Conditions)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	const q = `
INSERT INTO assignment_rules (id, tenant_id, name, priority, active, conditions, target_type, target_user_id, target_team_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING created_at, updated_at;
`
	err = r.pool.QueryRow(ctx, q,
		rule.ID, rule.TenantID, rule.Name, rule.Priority, rule.Active,
		conditions, rule.TargetType, rule.TargetUserID, rule.TargetTeamID,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create assignment rule: %w", err)
	}
	rule.LastAssignedIndex = -1
	return &rule, nil
}

// ListActiveAssignmentRules returns the tenant's active rules in evaluation
// order: descending priority, ties broken by creation order.
func (r *PostgresRepository) ListActiveAssignmentRules(ctx context.Context, tenantID string) ([]AssignmentRule, error) {
	const q = `
SELECT id, tenant_id, name, priority, active, conditions, target_type, target_user_id, target_team_id, matched_count, assigned_count, last_assigned_index, created_at, updated_at
FROM assignment_rules
WHERE tenant_id = $1 AND active
ORDER BY priority DESC, created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list assignment rules: %w", err)
	}
	defer rows.Close()

	var rules []AssignmentRule
	for rows.Next() {
		var rule AssignmentRule
		var conditions []byte
		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &rule.Priority, &rule.Active,
			&conditions, &rule.TargetType, &rule.TargetUserID, &rule.TargetTeamID,
			&rule.MatchedCount, &rule.AssignedCount, &rule.LastAssignedIndex,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assignment rule: %w", err)
		}
		if err := fromJSON(conditions, &rule.Conditions); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment rules: %w", err)
	}
	return rules, nil
}

// IncrementRuleMatched bumps the rule's matched counter.
func (r *PostgresRepository) IncrementRuleMatched(ctx context.Context, ruleID string) error {
	return r.incrementRuleCounter(ctx, ruleID, "matched_count")
}

// IncrementRuleAssigned bumps the rule's assigned counter.
func (r *PostgresRepository) IncrementRuleAssigned(ctx context.Context, ruleID string) error {
	return r.incrementRuleCounter(ctx, ruleID, "assigned_count")
}

func (r *PostgresRepository) incrementRuleCounter(ctx context.Context, ruleID, column string) error {
	q := fmt.Sprintf(`UPDATE assignment_rules SET %s = %s + 1, updated_at = NOW() WHERE id = $1;`, column, column)
	ct, err := r.pool.Exec(ctx, q, ruleID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceRoundRobinCursor advances the rule's cursor by one modulo the team
// size and returns the new index. The read-increment-write runs as a single
// UPDATE, so two concurrent evaluations of the same rule receive distinct
// indices.
func (r *PostgresRepository) AdvanceRoundRobinCursor(ctx context.Context, ruleID string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("cursor modulo must be positive, got %d", modulo)
	}
	const q = `
UPDATE assignment_rules
SET last_assigned_index = (last_assigned_index + 1) % $2, updated_at = NOW()
WHERE id = $1
RETURNING last_assigned_index;
`
	var idx int
	err := r.pool.QueryRow(ctx, q, ruleID, modulo).Scan(&idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("advance round robin cursor: %w", err)
	}
	return idx, nil
}

// UpsertTeamMember stores or refreshes an agent's team membership and
// presence flags.
func (r *PostgresRepository) UpsertTeamMember(ctx context.Context, member TeamMember) error {
	const q = `
INSERT INTO team_members (id, tenant_id, team_id, display_name, online, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    team_id = EXCLUDED.team_id,
    display_name = EXCLUDED.display_name,
    online = EXCLUDED.online,
    active = EXCLUDED.active;
`
	if _, err := r.pool.Exec(ctx, q, member.ID, member.TenantID, member.TeamID, member.DisplayName, member.Online, member.Active); err != nil {
		return fmt.Errorf("upsert team member: %w", err)
	}
	return nil
}

// GetTeamMember loads one agent.
func (r *PostgresRepository) GetTeamMember(ctx context.Context, id string) (*TeamMember, error) {
	const q = `
SELECT id, tenant_id, team_id, display_name, online, active, created_at
FROM team_members
WHERE id = $1;
`
	var m TeamMember
	err := r.pool.QueryRow(ctx, q, id).Scan(&m.ID, &m.TenantID, &m.TeamID, &m.DisplayName, &m.Online, &m.Active, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get team member: %w", err)
	}
	return &m, nil
}

// ListTeamMembers returns a team's agents in stable iteration order. Both
// round-robin and least-busy depend on this order being deterministic.
func (r *PostgresRepository) ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	const q = `
SELECT id, tenant_id, team_id, display_name, online, active, created_at
FROM team_members
WHERE team_id = $1
ORDER BY created_at ASC, id ASC;
`
	rows, err := r.pool.Query(ctx, q, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	var members []TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.ID, &m.TenantID, &m.TeamID, &m.DisplayName, &m.Online, &m.Active, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}
	return members, nil
}
