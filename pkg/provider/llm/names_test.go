package llm

import (
	"slices"
	"testing"
)

func TestParticipantName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Lydia":              "Lydia",
		"Jon Battle-Born":    "Jon_Battle-Born",
		"J'zargo":            "J_zargo",
		" Brynjolf ":         "Brynjolf",
		"Ulfric Stormcloak!": "Ulfric_Stormcloak",
		"":                   "",
	}
	for in, want := range tests {
		if got := ParticipantName(in); got != want {
			t.Errorf("ParticipantName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStopSequences(t *testing.T) {
	t.Parallel()

	stops := []string{"", "\nPlayer:", "<im_end>", "", "\nLydia:", "\nHulda:", "\nNarrator:"}
	tests := []struct {
		name  string
		stops []string
		limit int
		want  []string
	}{
		{name: "capped", stops: stops, limit: 4, want: []string{"\nPlayer:", "<im_end>", "\nLydia:", "\nHulda:"}},
		{name: "unlimited", stops: stops, want: []string{"\nPlayer:", "<im_end>", "\nLydia:", "\nHulda:", "\nNarrator:"}},
		{name: "only empties", stops: []string{"", ""}, limit: 4},
		{name: "nil", limit: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := StopSequences(tt.stops, tt.limit); !slices.Equal(got, tt.want) {
				t.Errorf("StopSequences = %q, want %q", got, tt.want)
			}
		})
	}
}
