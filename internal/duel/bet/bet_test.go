package bet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	// caminho feliz
	require.True(t, StateProposed.CanTransition(StateSigning))
	require.True(t, StateSigning.CanTransition(StateSigned))
	require.True(t, StateSigned.CanTransition(StateAttested))
	require.True(t, StateAttested.CanTransition(StateSettled))

	// VOIDED alcançável de qualquer estado não terminal
	for _, s := range []State{StateProposed, StateSigning, StateSigned, StateAttested} {
		require.True(t, s.CanTransition(StateVoided), "%s -> VOIDED", s)
		require.False(t, s.Terminal())
	}

	// sinks não transicionam
	for _, s := range []State{StateSettled, StateVoided} {
		require.True(t, s.Terminal())
		for _, to := range []State{StateProposed, StateSigning, StateSigned, StateAttested, StateSettled, StateVoided} {
			require.False(t, s.CanTransition(to), "%s -> %s", s, to)
		}
	}

	// sem pulos nem retrocesso
	require.False(t, StateProposed.CanTransition(StateSigned))
	require.False(t, StateSigning.CanTransition(StateAttested))
	require.False(t, StateSigned.CanTransition(StateProposed))
	require.False(t, StateAttested.CanTransition(StateSigning))
}

func TestParty(t *testing.T) {
	require.Equal(t, PartyB, PartyA.Other())
	require.Equal(t, PartyA, PartyB.Other())
	require.Equal(t, "a", PartyA.String())
	require.Equal(t, "b", PartyB.String())

	p, err := ParseParty("a")
	require.NoError(t, err)
	require.Equal(t, PartyA, p)
	p, err = ParseParty("B")
	require.NoError(t, err)
	require.Equal(t, PartyB, p)
	_, err = ParseParty("c")
	require.Error(t, err)
}

func TestIdentity(t *testing.T) {
	b := &Bet{PartyAIdentity: []byte{0x0a}, PartyBIdentity: []byte{0x0b}}
	require.Equal(t, []byte{0x0a}, b.Identity(PartyA))
	require.Equal(t, []byte{0x0b}, b.Identity(PartyB))
}
