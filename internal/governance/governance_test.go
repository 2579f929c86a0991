package governance

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/clock"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (r *recorder) Log(e audit.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newTestService(t *testing.T) (*Service, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(t0)
	rec := &recorder{}
	return New(WithClock(clk), WithAuditor(rec)), clk, rec
}

func raiseVolume(quorum int) ProposalRequest {
	return ProposalRequest{
		Title:         "Raise volume cap",
		Description:   "Allow larger positions for market makers",
		Type:          "parameter_change",
		TargetRule:    "breaker.max_volume",
		ProposedValue: json.RawMessage(`2000000`),
		Quorum:        quorum,
	}
}

func mustCreate(t *testing.T, svc *Service, quorum int) domain.GovernanceProposal {
	t.Helper()
	p, err := svc.CreateProposal(raiseVolume(quorum))
	require.NoError(t, err)
	return p
}

// ---------------------------------------------------------------------------
// CreateProposal
// ---------------------------------------------------------------------------

func TestService_CreateProposal(t *testing.T) {
	svc, _, rec := newTestService(t)

	p := mustCreate(t, svc, 3)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.ProposalActive, p.Status)
	assert.Zero(t, p.VotesFor)
	assert.Zero(t, p.VotesAgainst)
	assert.Equal(t, t0, p.CreatedAt)
	assert.JSONEq(t, `2000000`, string(p.ProposedValue))
	assert.Empty(t, svc.Votes(p.ID))

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.KindProposalCreated, rec.events[0].Kind)
}

func TestService_CreateProposalInvalidQuorum(t *testing.T) {
	svc, _, rec := newTestService(t)

	for _, q := range []int{0, -1} {
		_, err := svc.CreateProposal(raiseVolume(q))
		assert.ErrorIs(t, err, domain.ErrInvalidQuorum)
	}
	assert.Empty(t, svc.ActiveProposals())
	assert.Empty(t, rec.events)
}

// ---------------------------------------------------------------------------
// Vote
// ---------------------------------------------------------------------------

func TestService_QuorumTransition(t *testing.T) {
	svc, _, _ := newTestService(t)
	p := mustCreate(t, svc, 3)

	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 1}))
	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "bob", Support: true, Weight: 1}))
	got, _ := svc.Proposal(p.ID)
	assert.Equal(t, domain.ProposalActive, got.Status)

	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "carol", Support: true, Weight: 1}))
	got, _ = svc.Proposal(p.ID)
	assert.Equal(t, domain.ProposalPassed, got.Status)
	assert.Equal(t, 3.0, got.VotesFor)
}

func TestService_Rejection(t *testing.T) {
	tests := []struct {
		name   string
		votes  []VoteRequest
		status domain.ProposalStatus
	}{
		{
			name:   "against reaches quorum and leads",
			votes:  []VoteRequest{{"a", false, 2}, {"b", false, 1}},
			status: domain.ProposalRejected,
		},
		{
			name:   "against at quorum but not leading stays active",
			votes:  []VoteRequest{{"a", true, 2}, {"b", false, 2}},
			status: domain.ProposalActive,
		},
		{
			name:   "for wins even when against also large",
			votes:  []VoteRequest{{"a", false, 2.5}, {"b", true, 3}},
			status: domain.ProposalPassed,
		},
		{
			name:   "fractional weights accumulate",
			votes:  []VoteRequest{{"a", true, 1.5}, {"b", true, 1.5}},
			status: domain.ProposalPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			p := mustCreate(t, svc, 3)
			for _, v := range tt.votes {
				require.True(t, svc.Vote(p.ID, v))
			}
			got, _ := svc.Proposal(p.ID)
			assert.Equal(t, tt.status, got.Status)
		})
	}
}

func TestService_VoteFailures(t *testing.T) {
	svc, _, rec := newTestService(t)
	p := mustCreate(t, svc, 1)

	assert.False(t, svc.Vote("missing", VoteRequest{Voter: "alice", Support: true, Weight: 1}))
	assert.False(t, svc.Vote(p.ID, VoteRequest{Voter: "", Support: true, Weight: 1}))
	assert.False(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 0}))
	assert.False(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: -3}))

	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 1}))
	// Предложение уже passed — новые голоса не принимаются
	assert.False(t, svc.Vote(p.ID, VoteRequest{Voter: "bob", Support: false, Weight: 5}))

	got, _ := svc.Proposal(p.ID)
	assert.Equal(t, 1.0, got.VotesFor)
	assert.Zero(t, got.VotesAgainst)
	assert.Len(t, svc.Votes(p.ID), 1)
	assert.Len(t, rec.events, 2) // created + один голос
}

func TestService_VoteUniqueness(t *testing.T) {
	svc, _, _ := newTestService(t)
	p := mustCreate(t, svc, 100)

	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 4}))
	assert.False(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 4}))
	assert.False(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: false, Weight: 10}))

	got, _ := svc.Proposal(p.ID)
	assert.Equal(t, 4.0, got.VotesFor)
	assert.Zero(t, got.VotesAgainst)
}

func TestService_ConcurrentDuplicateVotes(t *testing.T) {
	svc, _, _ := newTestService(t)
	p := mustCreate(t, svc, 1000)

	var wg sync.WaitGroup
	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 1})
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for ok := range results {
		if ok {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	got, _ := svc.Proposal(p.ID)
	assert.Equal(t, 1.0, got.VotesFor)
}

// Снимки в журнале идут в порядке изменений: итоги голосов только растут.
func TestService_ConcurrentVotesJournalInOrder(t *testing.T) {
	svc, _, rec := newTestService(t)
	p := mustCreate(t, svc, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Vote(p.ID, VoteRequest{Voter: fmt.Sprintf("voter-%d", i), Support: true, Weight: 1})
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var tallies []float64
	for _, e := range rec.events {
		if e.Kind == audit.KindVoteCast {
			tallies = append(tallies, e.Records[1].(domain.GovernanceProposal).VotesFor)
		}
	}
	require.Len(t, tallies, 50)
	for i, v := range tallies {
		assert.Equal(t, float64(i+1), v)
	}
}

// Повторный голос того же участника никогда не меняет суммы.
func TestProperty_VoteUniqueness(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc := New(WithClock(clock.NewFake(t0)))
		p, err := svc.CreateProposal(raiseVolume(rapid.IntRange(1, 1_000_000).Draw(rt, "quorum")))
		require.NoError(t, err)

		voters := rapid.IntRange(1, 5).Draw(rt, "voters")
		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			voter := fmt.Sprintf("v%d", rapid.IntRange(0, voters-1).Draw(rt, "voter"))
			before, _ := svc.Proposal(p.ID)
			ok := svc.Vote(p.ID, VoteRequest{
				Voter:   voter,
				Support: rapid.Bool().Draw(rt, "support"),
				Weight:  rapid.Float64Range(0.1, 10).Draw(rt, "weight"),
			})
			after, _ := svc.Proposal(p.ID)

			if seen[voter] || before.Status != domain.ProposalActive {
				assert.False(t, ok)
				assert.Equal(t, before.VotesFor, after.VotesFor)
				assert.Equal(t, before.VotesAgainst, after.VotesAgainst)
				continue
			}
			assert.True(t, ok)
			seen[voter] = true
		}
	})
}

// ---------------------------------------------------------------------------
// Reads / Execute
// ---------------------------------------------------------------------------

func TestService_ActiveProposalsNewestFirst(t *testing.T) {
	svc, clk, _ := newTestService(t)
	first := mustCreate(t, svc, 5)
	clk.Advance(time.Minute)
	second := mustCreate(t, svc, 5)
	clk.Advance(time.Minute)
	decided := mustCreate(t, svc, 1)
	require.True(t, svc.Vote(decided.ID, VoteRequest{Voter: "a", Support: true, Weight: 1}))

	active := svc.ActiveProposals()
	require.Len(t, active, 2)
	assert.Equal(t, second.ID, active[0].ID)
	assert.Equal(t, first.ID, active[1].ID)
}

func TestService_Execute(t *testing.T) {
	svc, clk, rec := newTestService(t)
	p := mustCreate(t, svc, 2)

	assert.False(t, svc.Execute(p.ID), "active proposal cannot be executed")
	assert.False(t, svc.Execute("missing"))

	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "a", Support: true, Weight: 2}))
	clk.Advance(time.Hour)
	require.True(t, svc.Execute(p.ID))
	assert.False(t, svc.Execute(p.ID), "executed is terminal")

	got, _ := svc.Proposal(p.ID)
	assert.Equal(t, domain.ProposalExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, t0.Add(time.Hour), *got.ExecutedAt)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, audit.KindProposalExecuted, last.Kind)
}

func TestService_ExecuteRejectedFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	p := mustCreate(t, svc, 1)
	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "a", Support: false, Weight: 1}))
	assert.False(t, svc.Execute(p.ID))
}

func TestService_Restore(t *testing.T) {
	svc, _, _ := newTestService(t)
	p := mustCreate(t, svc, 3)
	require.True(t, svc.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 1}))
	snapshot, _ := svc.Proposal(p.ID)
	votes := svc.Votes(p.ID)
	orphan := domain.GovernanceVote{ProposalID: "gone", Voter: "x", Weight: 1}

	restored, _, _ := newTestService(t)
	restored.Restore([]domain.GovernanceProposal{snapshot}, append(votes, orphan))

	assert.False(t, restored.Vote(p.ID, VoteRequest{Voter: "alice", Support: true, Weight: 1}))
	require.True(t, restored.Vote(p.ID, VoteRequest{Voter: "bob", Support: true, Weight: 2}))
	got, _ := restored.Proposal(p.ID)
	assert.Equal(t, domain.ProposalPassed, got.Status)
	assert.Empty(t, restored.Votes("gone"))
}
