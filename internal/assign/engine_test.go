package assign

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msghub/internal/model"
	"msghub/internal/repo"
	"msghub/migrations"
)

type harness struct {
	repo   repo.Repository
	engine *Engine
	acc    *repo.ChannelAccount
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))

	acc, err := r.UpsertChannelAccount(ctx, repo.ChannelAccount{
		TenantID:    "t1",
		ChannelType: model.ChannelSMS,
		Identifier:  "+15550001",
		Enabled:     true,
	})
	require.NoError(t, err)

	return &harness{
		repo:   r,
		engine: NewEngine(r, nil, logger, BusinessHours{}),
		acc:    acc,
	}
}

func (h *harness) addMember(t *testing.T, id, team string, online bool) {
	t.Helper()
	require.NoError(t, h.repo.UpsertTeamMember(context.Background(), repo.TeamMember{
		ID:       id,
		TenantID: "t1",
		TeamID:   team,
		Online:   online,
		Active:   true,
	}))
}

func (h *harness) addRule(t *testing.T, rule repo.AssignmentRule) *repo.AssignmentRule {
	t.Helper()
	rule.TenantID = "t1"
	rule.Active = true
	created, err := h.repo.CreateAssignmentRule(context.Background(), rule)
	require.NoError(t, err)
	return created
}

func (h *harness) newConversation(t *testing.T, contact string) string {
	t.Helper()
	convo, _, err := h.repo.FindOrCreateConversation(context.Background(), "t1", h.acc.ID, model.ChannelSMS, contact)
	require.NoError(t, err)
	return convo.ID
}

func strPtr(s string) *string { return &s }

func chanPtr(c model.ChannelType) *model.ChannelType { return &c }

func TestRoundRobinCyclesThroughTeam(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		h.addMember(t, id, "support", true)
	}
	h.addRule(t, repo.AssignmentRule{
		Name:         "sms rotation",
		Priority:     10,
		Conditions:   repo.RuleConditions{Channel: chanPtr(model.ChannelSMS)},
		TargetType:   repo.TargetRoundRobin,
		TargetTeamID: strPtr("support"),
	})

	var assigned []string
	for i, contact := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		convoID := h.newConversation(t, contact)
		result := h.engine.AutoAssign(ctx, "t1", convoID, Context{Channel: model.ChannelSMS})
		require.True(t, result.Assigned, "conversation %d", i)
		require.NotNil(t, result.AssignedToID)
		assigned = append(assigned, *result.AssignedToID)
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, assigned)
}

func TestRoundRobinSkipsOfflineMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addMember(t, "A", "support", true)
	h.addMember(t, "B", "support", false)
	h.addMember(t, "C", "support", true)
	h.addRule(t, repo.AssignmentRule{
		Name:         "rotation",
		Priority:     10,
		TargetType:   repo.TargetRoundRobin,
		TargetTeamID: strPtr("support"),
	})

	var assigned []string
	for _, contact := range []string{"c1", "c2", "c3", "c4"} {
		result := h.engine.AutoAssign(ctx, "t1", h.newConversation(t, contact), Context{Channel: model.ChannelSMS})
		require.True(t, result.Assigned)
		assigned = append(assigned, *result.AssignedToID)
	}
	assert.Equal(t, []string{"A", "C", "A", "C"}, assigned)
}

func TestLeastBusyPicksMinimumActiveCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		h.addMember(t, id, "support", true)
	}
	// Load A with 5, B with 2, C with 8 open conversations.
	load := map[string]int{"A": 5, "B": 2, "C": 8}
	for member, n := range load {
		for j := 0; j < n; j++ {
			convo, _, err := h.repo.FindOrCreateConversation(ctx, "t1", h.acc.ID, model.ChannelSMS, member+"-load-"+string(rune('a'+j)))
			require.NoError(t, err)
			require.NoError(t, h.repo.AssignConversation(ctx, convo.ID, strPtr(member), nil))
		}
	}
	h.addRule(t, repo.AssignmentRule{
		Name:         "least busy",
		Priority:     10,
		TargetType:   repo.TargetLeastBusy,
		TargetTeamID: strPtr("support"),
	})

	result := h.engine.AutoAssign(ctx, "t1", h.newConversation(t, "fresh"), Context{Channel: model.ChannelSMS})
	require.True(t, result.Assigned)
	assert.Equal(t, "B", *result.AssignedToID)
}

func TestLeastBusyAllZeroPicksFirstOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addMember(t, "A", "support", false)
	h.addMember(t, "B", "support", true)
	h.addMember(t, "C", "support", true)
	h.addRule(t, repo.AssignmentRule{
		Name:         "least busy",
		Priority:     10,
		TargetType:   repo.TargetLeastBusy,
		TargetTeamID: strPtr("support"),
	})

	result := h.engine.AutoAssign(ctx, "t1", h.newConversation(t, "c1"), Context{Channel: model.ChannelSMS})
	require.True(t, result.Assigned)
	assert.Equal(t, "B", *result.AssignedToID)
}

func TestUserTargetFallsThroughWhenOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addMember(t, "vip-agent", "support", false)
	h.addMember(t, "backup", "fallback", true)

	vip := h.addRule(t, repo.AssignmentRule{
		Name:         "vip direct",
		Priority:     100,
		TargetType:   repo.TargetUser,
		TargetUserID: strPtr("vip-agent"),
	})
	h.addRule(t, repo.AssignmentRule{
		Name:         "fallback rotation",
		Priority:     1,
		TargetType:   repo.TargetRoundRobin,
		TargetTeamID: strPtr("fallback"),
	})

	result := h.engine.AutoAssign(ctx, "t1", h.newConversation(t, "c1"), Context{Channel: model.ChannelSMS})
	require.True(t, result.Assigned)
	assert.Equal(t, "backup", *result.AssignedToID)
	assert.Equal(t, "fallback rotation", result.RuleName)

	// The unassignable rule still counted its match.
	rules, err := h.repo.ListActiveAssignmentRules(ctx, "t1")
	require.NoError(t, err)
	for _, r := range rules {
		if r.ID == vip.ID {
			assert.Equal(t, int64(1), r.MatchedCount)
			assert.Equal(t, int64(0), r.AssignedCount)
		}
	}
}

func TestTeamTargetAssignsTeamWithoutUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, repo.AssignmentRule{
		Name:         "team inbox",
		Priority:     10,
		TargetType:   repo.TargetTeam,
		TargetTeamID: strPtr("inbox"),
	})

	convoID := h.newConversation(t, "c1")
	result := h.engine.AutoAssign(ctx, "t1", convoID, Context{Channel: model.ChannelSMS})
	require.True(t, result.Assigned)
	assert.Nil(t, result.AssignedToID)
	require.NotNil(t, result.AssignedToTeamID)
	assert.Equal(t, "inbox", *result.AssignedToTeamID)

	convo, err := h.repo.GetConversation(ctx, convoID)
	require.NoError(t, err)
	assert.Nil(t, convo.AssignedToID)
	assert.Equal(t, "inbox", *convo.AssignedToTeamID)
}

func TestConditionsAreVacuouslyTrueWhenAbsent(t *testing.T) {
	h := newHarness(t)
	engine := h.engine

	all := repo.RuleConditions{}
	assert.True(t, engine.matches(all, Context{Channel: model.ChannelEmail, MessageText: "anything"}))

	smsOnly := repo.RuleConditions{Channel: chanPtr(model.ChannelSMS)}
	assert.True(t, engine.matches(smsOnly, Context{Channel: model.ChannelSMS}))
	assert.False(t, engine.matches(smsOnly, Context{Channel: model.ChannelEmail}))

	keywords := repo.RuleConditions{Keywords: []string{"Refund", "cancel"}}
	assert.True(t, engine.matches(keywords, Context{MessageText: "I want a REFUND now"}))
	assert.True(t, engine.matches(keywords, Context{MessageText: "please cancel my order"}))
	assert.False(t, engine.matches(keywords, Context{MessageText: "where is my parcel"}))

	priority := repo.RuleConditions{Priority: strPtr("HIGH")}
	assert.True(t, engine.matches(priority, Context{Priority: "high"}))
	assert.False(t, engine.matches(priority, Context{Priority: "normal"}))
}

func TestBusinessHoursCondition(t *testing.T) {
	h := newHarness(t)
	h.engine.hours = BusinessHours{OpenHour: 9, CloseHour: 18}

	inHours := repo.RuleConditions{BusinessHours: boolPtr(true)}
	afterHours := repo.RuleConditions{BusinessHours: boolPtr(false)}

	h.engine.now = func() time.Time { return timeAtHour(11) }
	assert.True(t, h.engine.matches(inHours, Context{}))
	assert.False(t, h.engine.matches(afterHours, Context{}))

	h.engine.now = func() time.Time { return timeAtHour(22) }
	assert.False(t, h.engine.matches(inHours, Context{}))
	assert.True(t, h.engine.matches(afterHours, Context{}))
}

func TestNoMatchingRuleIsNotAnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addRule(t, repo.AssignmentRule{
		Name:       "email only",
		Priority:   10,
		Conditions: repo.RuleConditions{Channel: chanPtr(model.ChannelEmail)},
		TargetType: repo.TargetTeam,
	})

	result := h.engine.AutoAssign(ctx, "t1", h.newConversation(t, "c1"), Context{Channel: model.ChannelSMS})
	assert.False(t, result.Assigned)
	assert.Empty(t, result.Events)
}

func boolPtr(b bool) *bool { return &b }

func timeAtHour(h int) time.Time {
	return time.Date(2026, 1, 5, h, 0, 0, 0, time.UTC)
}
