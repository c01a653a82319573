package style_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/style"
)

func TestBuiltinPromptsValidate(t *testing.T) {
	t.Parallel()
	for name, p := range style.BuiltinPrompts {
		if err := p.Validate(); err != nil {
			t.Errorf("builtin %q: %v", name, err)
		}
	}
	for name, b := range style.BuiltinBehaviors {
		if err := b.Validate(); err != nil {
			t.Errorf("builtin behavior %q: %v", name, err)
		}
	}
}

func TestPromptValidate(t *testing.T) {
	t.Parallel()

	valid := style.BuiltinPrompts["normal"]

	tests := []struct {
		name    string
		mutate  func(p *style.Prompt)
		wantErr bool
	}{
		{name: "valid", mutate: func(*style.Prompt) {}},
		{name: "missing signifier", mutate: func(p *style.Prompt) { p.MessageSignifier = "" }, wantErr: true},
		{name: "missing roleplay suffix", mutate: func(p *style.Prompt) { p.RoleplaySuffix = "" }, wantErr: true},
		{name: "missing eos chars", mutate: func(p *style.Prompt) { p.EndOfSentenceChars = "" }, wantErr: true},
		{name: "missing system name", mutate: func(p *style.Prompt) { p.SystemName = "" }, wantErr: true},
		{name: "signifier overlaps terminators", mutate: func(p *style.Prompt) { p.MessageSignifier = ". " }, wantErr: true},
		{name: "empty replacement", mutate: func(p *style.Prompt) { p.Replacements = []style.Replacement{{To: "x"}} }, wantErr: true},
		{name: "empty stop string", mutate: func(p *style.Prompt) { p.StopStrings = []string{""} }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := valid
			p.Replacements = slices.Clone(valid.Replacements)
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, style.ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestPromptHelpers(t *testing.T) {
	t.Parallel()

	p := style.BuiltinPrompts["llama3"]
	stops := p.Stops()
	if !slices.Contains(stops, "<|eot_id|>") || !slices.Contains(stops, "<|start_header_id|>") {
		t.Errorf("Stops() = %v", stops)
	}

	p.RoleplayPrefixAliases = []string{"("}
	if got := p.OpenMarkers(); !slices.Equal(got, []string{"*", "("}) {
		t.Errorf("OpenMarkers() = %v", got)
	}
	if got := p.Replace("It’s… fine"); got != "It's... fine" {
		t.Errorf("Replace() = %q", got)
	}
}

func TestSet(t *testing.T) {
	t.Parallel()

	custom := style.BuiltinPrompts["normal"]
	custom.MessageSignifier = " says: "
	set := style.NewSet(
		map[string]style.Prompt{"mine": custom, "broken": {}},
		map[string]style.Behavior{"curly": {Prefix: "{{", Suffix: "}}"}},
	)

	if p, err := set.Prompt("mine"); err != nil || p.MessageSignifier != " says: " {
		t.Errorf("Prompt(mine) = %+v, %v", p, err)
	}
	if _, err := set.Prompt("normal"); err != nil {
		t.Errorf("builtin should still resolve: %v", err)
	}
	if _, err := set.Prompt("broken"); !errors.Is(err, style.ErrInvalid) {
		t.Errorf("Prompt(broken) err = %v, want ErrInvalid", err)
	}
	if _, err := set.Prompt("nope"); !errors.Is(err, style.ErrInvalid) {
		t.Errorf("Prompt(nope) err = %v, want ErrInvalid", err)
	}
	b, err := set.Behavior("curly")
	if err != nil || b.Token("Attack") != "{{Attack}}" {
		t.Errorf("Behavior(curly) = %+v, %v", b, err)
	}
}
