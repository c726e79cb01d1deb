package script

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRejectsNonPositiveTurns(t *testing.T) {
	_, err := Build(Format{TurnsPerSide: 0})
	require.Error(t, err)
	_, err = Build(Format{TurnsPerSide: -1})
	require.Error(t, err)
}

func TestBuildUnmoderatedAlternatesSides(t *testing.T) {
	turns, err := Build(Format{TurnsPerSide: 3})
	require.NoError(t, err)
	require.Len(t, turns, 6)

	wantTypes := []TurnType{TurnOpening, TurnOpening, TurnRebuttal, TurnRebuttal, TurnClosing, TurnClosing}
	for i, turn := range turns {
		require.Equal(t, i, turn.Index)
		require.Equal(t, wantTypes[i], turn.Type)
		if i%2 == 0 {
			require.Equal(t, SpeakerFor, turn.Speaker)
		} else {
			require.Equal(t, SpeakerAgainst, turn.Speaker)
		}
	}
}

func TestBuildModeratedBracketsPhases(t *testing.T) {
	turns, err := Build(Format{TurnsPerSide: 2, Moderated: true})
	require.NoError(t, err)

	// intro, opening x2, transition, closing x2, summary
	require.Len(t, turns, 7)
	require.Equal(t, TurnModeratorIntro, turns[0].Type)
	require.Equal(t, TurnModeratorTransition, turns[3].Type)
	require.Equal(t, TurnModeratorSummary, turns[6].Type)
	for _, turn := range turns {
		if turn.Speaker == SpeakerModerator {
			require.False(t, turn.Speaker.IsDebater())
		}
	}
}

func TestBuildCrossExaminationReplacesConstructive(t *testing.T) {
	plain, err := Build(Format{TurnsPerSide: 5})
	require.NoError(t, err)
	crossed, err := Build(Format{TurnsPerSide: 5, CrossExamination: true})
	require.NoError(t, err)

	require.Len(t, crossed, len(plain), "cross-examination swaps a round, never adds one")
	require.Equal(t, countType(plain, TurnConstructive)-2, countType(crossed, TurnConstructive))
	require.Equal(t, 2, countType(crossed, TurnCrossExamination))
	require.Equal(t, 0, countType(plain, TurnCrossExamination))
}

func TestBuildAssignsProvidersBySpeaker(t *testing.T) {
	turns, err := Build(Format{
		TurnsPerSide:      1,
		Moderated:         true,
		ProviderFor:       "alpha",
		ProviderAgainst:   "beta",
		ProviderModerator: "gamma",
	})
	require.NoError(t, err)
	for _, turn := range turns {
		switch turn.Speaker {
		case SpeakerFor:
			require.Equal(t, "alpha", turn.Provider)
		case SpeakerAgainst:
			require.Equal(t, "beta", turn.Provider)
		case SpeakerModerator:
			require.Equal(t, "gamma", turn.Provider)
		}
	}
}

func countType(turns []TurnConfig, tt TurnType) int {
	n := 0
	for _, turn := range turns {
		if turn.Type == tt {
			n++
		}
	}
	return n
}
