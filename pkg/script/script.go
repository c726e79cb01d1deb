package script

import (
	"github.com/pkg/errors"
)

// Speaker identifies who delivers a turn.
type Speaker string

const (
	SpeakerFor       Speaker = "for"
	SpeakerAgainst   Speaker = "against"
	SpeakerModerator Speaker = "moderator"
)

// IsDebater reports whether the speaker argues a side (moderator turns are
// excluded from debater progress counters).
func (s Speaker) IsDebater() bool {
	return s == SpeakerFor || s == SpeakerAgainst
}

// TurnType classifies a scripted turn.
type TurnType string

const (
	TurnOpening          TurnType = "opening"
	TurnConstructive     TurnType = "constructive"
	TurnRebuttal         TurnType = "rebuttal"
	TurnCrossExamination TurnType = "cross_examination"
	TurnClosing          TurnType = "closing"

	TurnModeratorIntro      TurnType = "moderator_intro"
	TurnModeratorTransition TurnType = "moderator_transition"
	TurnModeratorSummary    TurnType = "moderator_summary"
)

// TurnConfig is one scripted unit of debate output. The script is static:
// Index is the turn's position and never changes once the script is built.
type TurnConfig struct {
	Index    int      `json:"index" yaml:"index"`
	Speaker  Speaker  `json:"speaker" yaml:"speaker"`
	Type     TurnType `json:"type" yaml:"type"`
	Provider string   `json:"provider" yaml:"provider"`
}

// Format describes a debate before the script is derived from it.
type Format struct {
	Topic        string `yaml:"topic"`
	TurnsPerSide int    `yaml:"turns_per_side"`
	// CrossExamination swaps one constructive round for a cross-examination
	// round when the format is long enough to carry one.
	CrossExamination  bool   `yaml:"cross_examination"`
	ProviderFor       string `yaml:"provider_for"`
	ProviderAgainst   string `yaml:"provider_against"`
	ProviderModerator string `yaml:"provider_moderator"`
	// Moderated brackets the debater rounds with moderator intro, transition
	// and summary turns.
	Moderated bool `yaml:"moderated"`
}

// Build derives the ordered turn list from a format. The script alternates
// for/against within each phase and, when moderated, is bracketed by
// moderator intro/transition/summary turns.
func Build(f Format) ([]TurnConfig, error) {
	if f.TurnsPerSide <= 0 {
		return nil, errors.Errorf("turns per side must be positive, got %d", f.TurnsPerSide)
	}
	phases := phasesFor(f.TurnsPerSide, f.CrossExamination)

	var turns []TurnConfig
	next := 0
	add := func(sp Speaker, tt TurnType) {
		turns = append(turns, TurnConfig{
			Index:    next,
			Speaker:  sp,
			Type:     tt,
			Provider: f.providerFor(sp),
		})
		next++
	}

	if f.Moderated {
		add(SpeakerModerator, TurnModeratorIntro)
	}
	for i, phase := range phases {
		if f.Moderated && i > 0 {
			add(SpeakerModerator, TurnModeratorTransition)
		}
		add(SpeakerFor, phase)
		add(SpeakerAgainst, phase)
	}
	if f.Moderated {
		add(SpeakerModerator, TurnModeratorSummary)
	}
	return turns, nil
}

func (f Format) providerFor(sp Speaker) string {
	switch sp {
	case SpeakerFor:
		return f.ProviderFor
	case SpeakerAgainst:
		return f.ProviderAgainst
	default:
		return f.ProviderModerator
	}
}

func phasesFor(perSide int, crossExam bool) []TurnType {
	switch perSide {
	case 1:
		return []TurnType{TurnOpening}
	case 2:
		return []TurnType{TurnOpening, TurnClosing}
	case 3:
		return []TurnType{TurnOpening, TurnRebuttal, TurnClosing}
	}
	phases := []TurnType{TurnOpening}
	constructives := perSide - 3
	if crossExam {
		constructives--
	}
	for i := 0; i < constructives; i++ {
		phases = append(phases, TurnConstructive)
	}
	if crossExam {
		phases = append(phases, TurnCrossExamination)
	}
	phases = append(phases, TurnRebuttal, TurnClosing)
	return phases
}
