package settle_test

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MutinyWallet/note-duel-backend/internal/duel/bet"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/dueltest"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/oracle"
	"github.com/MutinyWallet/note-duel-backend/internal/duel/settle"
)

func fixtureBet(f *dueltest.Fixture) *bet.Bet {
	return &bet.Bet{
		ID:             "bet-1",
		PartyAIdentity: f.Identity(bet.PartyA),
		PartyBIdentity: f.Identity(bet.PartyB),
		OracleEventID:  f.EventID,
		State:          bet.StateAttested,
	}
}

func shareOf(f *dueltest.Fixture, p bet.Party, outcome string) bet.SignatureShare {
	return bet.SignatureShare{
		BetID:     "bet-1",
		Submitter: p,
		Outcome:   outcome,
		Sig:       f.Share(p, outcome),
	}
}

func TestFinalize(t *testing.T) {
	f := dueltest.NewFixture("EV1", "yes", "no")
	fin := settle.NewFinalizer(zap.NewNop())
	b := fixtureBet(f)

	va, err := oracle.Verifier{}.ValidateAttestation(f.Ann, f.Attest("yes"))
	require.NoError(t, err)

	tx, err := fin.Finalize(b, "yes", va.AttestationID, va.Scalar,
		f.Template(bet.PartyA, "yes"), f.Template(bet.PartyB, "yes"),
		shareOf(f, bet.PartyA, "yes"), shareOf(f, bet.PartyB, "yes"))
	require.NoError(t, err)
	require.Equal(t, "yes", tx.Outcome)
	require.Equal(t, va.AttestationID, tx.AttestationID)

	// as assinaturas finais verificam contra o digest do template de cada parte
	for _, st := range []struct {
		p  bet.Party
		st settle.SignedTemplate
	}{
		{bet.PartyA, tx.PartyA},
		{bet.PartyB, tx.PartyB},
	} {
		sig, err := hex.DecodeString(st.st.Signature)
		require.NoError(t, err)
		parsed, err := schnorr.ParseSignature(sig)
		require.NoError(t, err)
		digest := st.st.Template.Digest()
		pub, err := secp256k1.ParsePubKey(f.Identity(st.p))
		require.NoError(t, err)
		require.True(t, parsed.Verify(digest[:], pub))
	}

	// determinístico: mesma entrada, mesma saída
	tx2, err := fin.Finalize(b, "yes", va.AttestationID, va.Scalar,
		f.Template(bet.PartyA, "yes"), f.Template(bet.PartyB, "yes"),
		shareOf(f, bet.PartyA, "yes"), shareOf(f, bet.PartyB, "yes"))
	require.NoError(t, err)
	require.Equal(t, tx, tx2)
}

func TestFinalizeIncompatible(t *testing.T) {
	f := dueltest.NewFixture("EV1", "yes", "no")
	fin := settle.NewFinalizer(zap.NewNop())
	b := fixtureBet(f)

	va, err := oracle.Verifier{}.ValidateAttestation(f.Ann, f.Attest("yes"))
	require.NoError(t, err)

	t.Run("share from another outcome slot", func(t *testing.T) {
		_, err := fin.Finalize(b, "yes", va.AttestationID, va.Scalar,
			f.Template(bet.PartyA, "yes"), f.Template(bet.PartyB, "yes"),
			shareOf(f, bet.PartyA, "no"), shareOf(f, bet.PartyB, "yes"))
		require.ErrorIs(t, err, bet.ErrIncompatibleShares)
	})

	t.Run("scalar from another outcome", func(t *testing.T) {
		// a share de "yes" não decripta com o escalar da atestação de "no"
		vaNo, err := oracle.Verifier{}.ValidateAttestation(f.Ann, f.Attest("no"))
		require.NoError(t, err)
		_, err = fin.Finalize(b, "yes", vaNo.AttestationID, vaNo.Scalar,
			f.Template(bet.PartyA, "yes"), f.Template(bet.PartyB, "yes"),
			shareOf(f, bet.PartyA, "yes"), shareOf(f, bet.PartyB, "yes"))
		require.ErrorIs(t, err, bet.ErrIncompatibleShares)
	})

	t.Run("corrupted share", func(t *testing.T) {
		bad := shareOf(f, bet.PartyA, "yes")
		bad.Sig[40] ^= 0x01
		_, err := fin.Finalize(b, "yes", va.AttestationID, va.Scalar,
			f.Template(bet.PartyA, "yes"), f.Template(bet.PartyB, "yes"),
			bad, shareOf(f, bet.PartyB, "yes"))
		require.ErrorIs(t, err, bet.ErrIncompatibleShares)
	})
}
