package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/contract"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/dueltest"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/ledger"
)

func setup(t *testing.T) (*dueltest.Fixture, *ledger.Ledger, *bet.Bet) {
	t.Helper()
	ctx := context.Background()

	f := dueltest.NewFixture("EV1", "yes", "no")
	repo := dueltest.NewMemRepo()
	store := contract.NewStore(repo)
	ldg := ledger.New(zap.NewNop(), repo, store)

	b := &bet.Bet{
		ID:                 "bet-1",
		OracleAnnouncement: f.Announcement,
		PartyAIdentity:     f.Identity(bet.PartyA),
		PartyBIdentity:     f.Identity(bet.PartyB),
		OracleEventID:      f.EventID,
		State:              bet.StateSigning,
	}
	require.NoError(t, store.Propose(ctx, b.ID, bet.PartyA, f.Ann.Outcomes, f.Templates(bet.PartyA)))
	require.NoError(t, store.Propose(ctx, b.ID, bet.PartyB, f.Ann.Outcomes, f.Templates(bet.PartyB)))
	return f, ldg, b
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	f, ldg, b := setup(t)

	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyA, "yes", f.Share(bet.PartyA, "yes")))

	t.Run("duplicate", func(t *testing.T) {
		err := ldg.Submit(ctx, b, f.Ann, bet.PartyA, "yes", f.Share(bet.PartyA, "yes"))
		require.ErrorIs(t, err, bet.ErrDuplicateSignature)
	})

	t.Run("unknown outcome", func(t *testing.T) {
		err := ldg.Submit(ctx, b, f.Ann, bet.PartyA, "draw", f.Share(bet.PartyA, "yes"))
		require.ErrorIs(t, err, bet.ErrUnknownOutcome)
	})

	t.Run("tampered share", func(t *testing.T) {
		share := f.Share(bet.PartyA, "no")
		share[40] ^= 0x01
		err := ldg.Submit(ctx, b, f.Ann, bet.PartyA, "no", share)
		require.ErrorIs(t, err, bet.ErrInvalidSignature)
	})

	t.Run("share from the other party", func(t *testing.T) {
		// share válida de B não fecha com a identidade nem o template de A
		err := ldg.Submit(ctx, b, f.Ann, bet.PartyA, "no", f.Share(bet.PartyB, "no"))
		require.ErrorIs(t, err, bet.ErrInvalidSignature)
	})

	t.Run("share for another outcome", func(t *testing.T) {
		err := ldg.Submit(ctx, b, f.Ann, bet.PartyA, "no", f.Share(bet.PartyA, "yes"))
		require.ErrorIs(t, err, bet.ErrInvalidSignature)
	})
}

func TestPairFor(t *testing.T) {
	ctx := context.Background()
	f, ldg, b := setup(t)

	_, _, err := ldg.PairFor(ctx, b.ID, "yes")
	require.ErrorIs(t, err, bet.ErrIncomplete)

	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyA, "yes", f.Share(bet.PartyA, "yes")))
	_, _, err = ldg.PairFor(ctx, b.ID, "yes")
	require.ErrorIs(t, err, bet.ErrIncomplete)

	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyB, "yes", f.Share(bet.PartyB, "yes")))
	sa, sb, err := ldg.PairFor(ctx, b.ID, "yes")
	require.NoError(t, err)
	require.Equal(t, bet.PartyA, sa.Submitter)
	require.Equal(t, bet.PartyB, sb.Submitter)
	require.Equal(t, "yes", sa.Outcome)
	require.Equal(t, "yes", sb.Outcome)
}

func TestSignedOutcomes(t *testing.T) {
	ctx := context.Background()
	f, ldg, b := setup(t)

	signed, err := ldg.SignedOutcomes(ctx, b.ID)
	require.NoError(t, err)
	require.Empty(t, signed[bet.PartyA])
	require.Empty(t, signed[bet.PartyB])

	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyA, "yes", f.Share(bet.PartyA, "yes")))
	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyA, "no", f.Share(bet.PartyA, "no")))
	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyB, "no", f.Share(bet.PartyB, "no")))

	signed, err = ldg.SignedOutcomes(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"no", "yes"}, signed[bet.PartyA])
	require.Equal(t, []string{"no"}, signed[bet.PartyB])
}

func TestIsFullySigned(t *testing.T) {
	ctx := context.Background()
	f, ldg, b := setup(t)

	full, err := ldg.IsFullySigned(ctx, b.ID, f.Ann.Outcomes)
	require.NoError(t, err)
	require.False(t, full)

	// todas menos uma
	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyA, "yes", f.Share(bet.PartyA, "yes")))
	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyA, "no", f.Share(bet.PartyA, "no")))
	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyB, "yes", f.Share(bet.PartyB, "yes")))

	full, err = ldg.IsFullySigned(ctx, b.ID, f.Ann.Outcomes)
	require.NoError(t, err)
	require.False(t, full)

	require.NoError(t, ldg.Submit(ctx, b, f.Ann, bet.PartyB, "no", f.Share(bet.PartyB, "no")))
	full, err = ldg.IsFullySigned(ctx, b.ID, f.Ann.Outcomes)
	require.NoError(t, err)
	require.True(t, full)
}
