// Package assign routes inbound conversations to agents by evaluating an
// ordered rule list. Assignment is best effort: the engine never returns an
// error, because an unassigned conversation is an expected outcome and
// auto-assignment must never block inbound message ingestion.
package assign

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"msghub/internal/metrics"
	"msghub/internal/model"
	"msghub/internal/repo"
)

// Context carries the facts a rule can match against.
type Context struct {
	Channel     model.ChannelType
	Priority    string
	MessageText string
}

// Result reports where a conversation went. Assigned false is the normal
// "no assignment" outcome, not an error.
type Result struct {
	Assigned         bool
	RuleID           string
	RuleName         string
	TargetType       string
	AssignedToID     *string
	AssignedToTeamID *string
	Events           []model.Event
}

// BusinessHours is the open window rules with a business-hours condition
// check against. Zero value means always open.
type BusinessHours struct {
	OpenHour  int
	CloseHour int
	Location  *time.Location
}

// Contains reports whether t falls inside the window.
func (h BusinessHours) Contains(t time.Time) bool {
	if h.OpenHour == 0 && h.CloseHour == 0 {
		return true
	}
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	return hour >= h.OpenHour && hour < h.CloseHour
}

// Engine evaluates assignment rules in descending priority. Round-robin
// cursor advance and the conversation update are serialized per rule so two
// near-simultaneous inbound messages cannot double-assign a member.
type Engine struct {
	repo    repo.Repository
	metrics *metrics.Metrics
	logger  *slog.Logger
	hours   BusinessHours
	now     func() time.Time

	mu        sync.Mutex
	ruleLocks map[string]*sync.Mutex
}

func NewEngine(r repo.Repository, m *metrics.Metrics, logger *slog.Logger, hours BusinessHours) *Engine {
	return &Engine{
		repo:      r,
		metrics:   m,
		logger:    logger.With("component", "assign"),
		hours:     hours,
		now:       time.Now,
		ruleLocks: make(map[string]*sync.Mutex),
	}
}

// AutoAssign picks an assignee for the conversation, if any rule yields one.
func (e *Engine) AutoAssign(ctx context.Context, tenantID, conversationID string, actx Context) Result {
	rules, err := e.repo.ListActiveAssignmentRules(ctx, tenantID)
	if err != nil {
		e.logger.Error("load assignment rules", "tenant_id", tenantID, "error", err)
		return e.outcome(Result{}, "error")
	}

	for _, rule := range rules {
		if !e.matches(rule.Conditions, actx) {
			continue
		}
		if err := e.repo.IncrementRuleMatched(ctx, rule.ID); err != nil {
			e.logger.Warn("increment matched count", "rule_id", rule.ID, "error", err)
		}

		userID, teamID, ok := e.resolve(ctx, rule)
		if !ok {
			// A matched but unassignable rule is not terminal; the next
			// rule gets its chance.
			continue
		}

		if err := e.repo.AssignConversation(ctx, conversationID, userID, teamID); err != nil {
			e.logger.Error("persist assignment", "conversation_id", conversationID, "rule_id", rule.ID, "error", err)
			return e.outcome(Result{}, "error")
		}
		if err := e.repo.IncrementRuleAssigned(ctx, rule.ID); err != nil {
			e.logger.Warn("increment assigned count", "rule_id", rule.ID, "error", err)
		}

		result := Result{
			Assigned:         true,
			RuleID:           rule.ID,
			RuleName:         rule.Name,
			TargetType:       rule.TargetType,
			AssignedToID:     userID,
			AssignedToTeamID: teamID,
		}
		payload := map[string]any{
			"conversation_id": conversationID,
			"rule_id":         rule.ID,
			"rule_name":       rule.Name,
			"target_type":     rule.TargetType,
		}
		if userID != nil {
			payload["assigned_to_id"] = *userID
		}
		if teamID != nil {
			payload["assigned_to_team_id"] = *teamID
		}
		result.Events = []model.Event{model.NewEvent(model.EventConvoAssigned, tenantID, payload)}
		return e.outcome(result, "assigned")
	}

	return e.outcome(Result{}, "unassigned")
}

// matches applies vacuous truth: an absent condition always holds, and every
// present condition must hold.
func (e *Engine) matches(c repo.RuleConditions, actx Context) bool {
	if c.Channel != nil && *c.Channel != actx.Channel {
		return false
	}
	if c.Priority != nil && !strings.EqualFold(*c.Priority, actx.Priority) {
		return false
	}
	if len(c.Keywords) > 0 {
		text := strings.ToLower(actx.MessageText)
		found := false
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.BusinessHours != nil && *c.BusinessHours != e.hours.Contains(e.now()) {
		return false
	}
	return true
}

// resolve maps a matched rule onto an assignee. ok false means the rule
// could not produce one (target offline, empty team).
func (e *Engine) resolve(ctx context.Context, rule repo.AssignmentRule) (userID, teamID *string, ok bool) {
	switch rule.TargetType {
	case repo.TargetUser:
		return e.resolveUser(ctx, rule)
	case repo.TargetTeam:
		if rule.TargetTeamID == nil {
			return nil, nil, false
		}
		return nil, rule.TargetTeamID, true
	case repo.TargetRoundRobin:
		return e.resolveRoundRobin(ctx, rule)
	case repo.TargetLeastBusy:
		return e.resolveLeastBusy(ctx, rule)
	default:
		e.logger.Warn("unknown rule target type", "rule_id", rule.ID, "target_type", rule.TargetType)
		return nil, nil, false
	}
}

func (e *Engine) resolveUser(ctx context.Context, rule repo.AssignmentRule) (*string, *string, bool) {
	if rule.TargetUserID == nil {
		return nil, nil, false
	}
	member, err := e.repo.GetTeamMember(ctx, *rule.TargetUserID)
	if err != nil {
		e.logger.Warn("load target user", "rule_id", rule.ID, "error", err)
		return nil, nil, false
	}
	if !member.Online || !member.Active {
		return nil, nil, false
	}
	return rule.TargetUserID, nil, true
}

func (e *Engine) resolveRoundRobin(ctx context.Context, rule repo.AssignmentRule) (*string, *string, bool) {
	members, ok := e.onlineMembers(ctx, rule)
	if !ok {
		return nil, nil, false
	}

	// Cursor advance and selection form one logical step per rule.
	lock := e.ruleLock(rule.ID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := e.repo.AdvanceRoundRobinCursor(ctx, rule.ID, len(members))
	if err != nil {
		e.logger.Error("advance round robin cursor", "rule_id", rule.ID, "error", err)
		return nil, nil, false
	}
	selected := members[idx].ID
	return &selected, rule.TargetTeamID, true
}

func (e *Engine) resolveLeastBusy(ctx context.Context, rule repo.AssignmentRule) (*string, *string, bool) {
	members, ok := e.onlineMembers(ctx, rule)
	if !ok {
		return nil, nil, false
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	counts, err := e.repo.CountActiveConversations(ctx, rule.TenantID, ids)
	if err != nil {
		e.logger.Error("count active conversations", "rule_id", rule.ID, "error", err)
		return nil, nil, false
	}

	// First online member with the minimum wins ties; a member never
	// counted starts at zero like everyone idle.
	best := 0
	for i := 1; i < len(members); i++ {
		if counts[members[i].ID] < counts[members[best].ID] {
			best = i
		}
	}
	selected := members[best].ID
	return &selected, rule.TargetTeamID, true
}

// onlineMembers returns the rule's team filtered to online, active members,
// in the stable listing order the cursor indexes into.
func (e *Engine) onlineMembers(ctx context.Context, rule repo.AssignmentRule) ([]repo.TeamMember, bool) {
	if rule.TargetTeamID == nil {
		return nil, false
	}
	all, err := e.repo.ListTeamMembers(ctx, *rule.TargetTeamID)
	if err != nil {
		e.logger.Error("list team members", "rule_id", rule.ID, "error", err)
		return nil, false
	}
	var online []repo.TeamMember
	for _, m := range all {
		if m.Online && m.Active {
			online = append(online, m)
		}
	}
	if len(online) == 0 {
		return nil, false
	}
	return online, true
}

func (e *Engine) ruleLock(ruleID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.ruleLocks[ruleID]
	if !ok {
		lock = &sync.Mutex{}
		e.ruleLocks[ruleID] = lock
	}
	return lock
}

func (e *Engine) outcome(r Result, label string) Result {
	if e.metrics != nil {
		e.metrics.AssignmentOutcomes.WithLabelValues(label).Inc()
	}
	return r
}
