// Package style holds the grammar contract between Parley and the model: how
// a speaker announces itself, how narration is delimited, where sentences end,
// which strings stop generation, and how behavior commands are embedded in
// dialogue.
//
// Styles are immutable values. They are validated once when a conversation is
// set up; the streaming parser never re-checks them mid-stream.
package style

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("style: invalid")

// Replacement substitutes From with To in raw model output before parsing.
type Replacement struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Prompt describes the text markers the LLM uses.
type Prompt struct {
	// MessageSignifier ends a proposed speaker name, e.g. ": " in "Lydia: Hello".
	MessageSignifier string `yaml:"message_signifier"`

	// RoleplayPrefix and RoleplaySuffix delimit narration. They may be equal.
	RoleplayPrefix string `yaml:"roleplay_prefix"`
	RoleplaySuffix string `yaml:"roleplay_suffix"`

	// Alternative markers some models use for the same purpose.
	RoleplayPrefixAliases []string `yaml:"roleplay_prefix_aliases"`
	RoleplaySuffixAliases []string `yaml:"roleplay_suffix_aliases"`

	// EndOfSentenceChars is the set of characters that terminate a sentence.
	EndOfSentenceChars string `yaml:"end_of_sentence_chars"`

	StopStrings []string `yaml:"stop_strings"`
	BOS         string   `yaml:"bos"`
	EOS         string   `yaml:"eos"`

	// ForceSpeaker makes the model announce a speaker before any content.
	ForceSpeaker bool `yaml:"force_speaker"`

	Replacements []Replacement `yaml:"replacements"`

	// UndoTriggers discard the sentence they appear in.
	UndoTriggers []string `yaml:"undo_triggers"`

	// SystemName is the name of the system role. A model that attributes its
	// reply to it is looping on the prompt.
	SystemName string `yaml:"system_name"`
}

// Validate reports every missing or malformed field.
func (p Prompt) Validate() error {
	var errs []error
	if p.MessageSignifier == "" {
		errs = append(errs, fmt.Errorf("%w: message_signifier is required", ErrInvalid))
	}
	if p.RoleplayPrefix == "" || p.RoleplaySuffix == "" {
		errs = append(errs, fmt.Errorf("%w: roleplay_prefix and roleplay_suffix are required", ErrInvalid))
	}
	if p.EndOfSentenceChars == "" {
		errs = append(errs, fmt.Errorf("%w: end_of_sentence_chars is required", ErrInvalid))
	}
	if p.SystemName == "" {
		errs = append(errs, fmt.Errorf("%w: system_name is required", ErrInvalid))
	}
	if strings.ContainsAny(p.MessageSignifier, p.EndOfSentenceChars) {
		errs = append(errs, fmt.Errorf("%w: message_signifier %q overlaps end_of_sentence_chars", ErrInvalid, p.MessageSignifier))
	}
	for i, r := range p.Replacements {
		if r.From == "" {
			errs = append(errs, fmt.Errorf("%w: replacements[%d].from is empty", ErrInvalid, i))
		}
	}
	for _, s := range p.StopStrings {
		if s == "" {
			errs = append(errs, fmt.Errorf("%w: stop_strings contains an empty string", ErrInvalid))
			break
		}
	}
	return errors.Join(errs...)
}

// Stops returns the stop strings plus EOS, deduplicated.
func (p Prompt) Stops() []string {
	out := slices.Clone(p.StopStrings)
	if p.EOS != "" && !slices.Contains(out, p.EOS) {
		out = append(out, p.EOS)
	}
	return out
}

// OpenMarkers returns the markers that start narration, prefix first.
func (p Prompt) OpenMarkers() []string {
	return append([]string{p.RoleplayPrefix}, p.RoleplayPrefixAliases...)
}

// CloseMarkers returns the markers that end narration, suffix first.
func (p Prompt) CloseMarkers() []string {
	return append([]string{p.RoleplaySuffix}, p.RoleplaySuffixAliases...)
}

// Replace applies the replacement table to s in declaration order.
func (p Prompt) Replace(s string) string {
	for _, r := range p.Replacements {
		s = strings.ReplaceAll(s, r.From, r.To)
	}
	return s
}

// Behavior delimits an in-text behavior command, e.g. "<<Attack>>".
type Behavior struct {
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
}

// Validate reports a malformed behavior style.
func (b Behavior) Validate() error {
	var errs []error
	if b.Prefix == "" {
		errs = append(errs, fmt.Errorf("%w: behavior prefix is required", ErrInvalid))
	}
	if b.Suffix == "" {
		errs = append(errs, fmt.Errorf("%w: behavior suffix is required", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Token renders keyword as a command token.
func (b Behavior) Token(keyword string) string {
	return b.Prefix + keyword + b.Suffix
}

// ── built-ins ────────────────────────────────────────────────────────────────

var defaultReplacements = []Replacement{
	{From: "’", To: "'"},
	{From: "‘", To: "'"},
	{From: "…", To: "..."},
	{From: "—", To: ", "},
}

// BuiltinPrompts are the prompt styles available without configuration.
var BuiltinPrompts = map[string]Prompt{
	"normal": {
		MessageSignifier:   ": ",
		RoleplayPrefix:     "*",
		RoleplaySuffix:     "*",
		EndOfSentenceChars: ".?!;",
		Replacements:       defaultReplacements,
		SystemName:         "System",
	},
	"llama3": {
		MessageSignifier:   ": ",
		RoleplayPrefix:     "*",
		RoleplaySuffix:     "*",
		EndOfSentenceChars: ".?!;",
		StopStrings:        []string{"<|start_header_id|>"},
		BOS:                "<|begin_of_text|>",
		EOS:                "<|eot_id|>",
		ForceSpeaker:       true,
		Replacements:       defaultReplacements,
		SystemName:         "System",
	},
	"chatml": {
		MessageSignifier:   ": ",
		RoleplayPrefix:     "*",
		RoleplaySuffix:     "*",
		EndOfSentenceChars: ".?!;",
		StopStrings:        []string{"<|im_start|>"},
		BOS:                "<|im_start|>",
		EOS:                "<|im_end|>",
		ForceSpeaker:       true,
		Replacements:       defaultReplacements,
		SystemName:         "System",
	},
}

// BuiltinBehaviors are the behavior styles available without configuration.
var BuiltinBehaviors = map[string]Behavior{
	"default": {Prefix: "<<", Suffix: ">>"},
	"bracket": {Prefix: "[", Suffix: "]"},
}

// Set resolves style names against the built-ins plus any configured extras.
// Configured entries override built-ins of the same name.
type Set struct {
	prompts   map[string]Prompt
	behaviors map[string]Behavior
}

// NewSet returns a Set seeded with the built-ins and overlaid with extras.
func NewSet(prompts map[string]Prompt, behaviors map[string]Behavior) *Set {
	s := &Set{
		prompts:   maps.Clone(BuiltinPrompts),
		behaviors: maps.Clone(BuiltinBehaviors),
	}
	maps.Copy(s.prompts, prompts)
	maps.Copy(s.behaviors, behaviors)
	return s
}

// Prompt returns the validated prompt style called name.
func (s *Set) Prompt(name string) (Prompt, error) {
	p, ok := s.prompts[name]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: unknown prompt style %q (known: %s)", ErrInvalid, name, strings.Join(slices.Sorted(maps.Keys(s.prompts)), ", "))
	}
	if err := p.Validate(); err != nil {
		return Prompt{}, fmt.Errorf("prompt style %q: %w", name, err)
	}
	return p, nil
}

// Behavior returns the validated behavior style called name.
func (s *Set) Behavior(name string) (Behavior, error) {
	b, ok := s.behaviors[name]
	if !ok {
		return Behavior{}, fmt.Errorf("%w: unknown behavior style %q (known: %s)", ErrInvalid, name, strings.Join(slices.Sorted(maps.Keys(s.behaviors)), ", "))
	}
	if err := b.Validate(); err != nil {
		return Behavior{}, fmt.Errorf("behavior style %q: %w", name, err)
	}
	return b, nil
}
