package parser

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/parley/internal/behavior"
	"github.com/MrWong99/parley/internal/game"
)

// Evaluator runs the behaviors named by an in-text token.
// *behavior.Registry implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, token string, in behavior.Input) []behavior.Triggered
}

// segment is a run of sentences by one speaker, kept for the formatted reply.
type segment struct {
	narration bool
	speaker   string
	sentences []string
}

// State parses one streamed response. Create one per attempt with
// [NewState]; it is not safe for concurrent use.
//
// Transitions: [State.OnChunk] for every streamed fragment, then
// [State.OnStreamEnd] once. Sentence completion and narration toggling
// happen inside them.
type State struct {
	settings  Settings
	turn      Turn
	game      game.Interface
	behaviors Evaluator
	sink      Sink
	observe   Observer
	log       *slog.Logger

	// fallback picks a random character when attribution fails.
	fallback bool
	pick     func(n int) int

	needsSpeaker bool
	pending      strings.Builder
	verified     bool
	speaker      game.Character
	first        game.Character
	spokeFirst   bool

	narrating bool
	sentence  string
	line      VoiceLine

	segments []segment
	raw      strings.Builder

	// Byte offsets into raw: where pending and the sentence buffer start,
	// where the sentence being completed started, where the response was
	// cut (-1 while it was not), and the spans of undone sentences.
	pendingAt  int
	sentenceAt int
	completeAt int
	cut        int
	undone     [][2]int

	lastChunk string
	repeats   int

	sentences  int
	voiceLines int
	tooShort   int
	eos        bool

	events []string
	ends   bool

	token *regexp.Regexp
}

// stateConfig carries the collaborators of a [State].
type stateConfig struct {
	game      game.Interface
	behaviors Evaluator
	sink      Sink
	observe   Observer
	log       *slog.Logger
	fallback  bool
	pick      func(n int) int
}

func newState(settings Settings, turn Turn, cfg stateConfig) *State {
	s := &State{
		settings:  settings,
		turn:      turn,
		game:      cfg.game,
		behaviors: cfg.behaviors,
		sink:      cfg.sink,
		observe:   cfg.observe,
		log:       cfg.log,
		fallback:  cfg.fallback,
		pick:      cfg.pick,
		cut:       -1,
		token: regexp.MustCompile(regexp.QuoteMeta(turn.Behavior.Prefix) +
			`(.*?)` + regexp.QuoteMeta(turn.Behavior.Suffix)),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.pick == nil {
		s.pick = func(int) int { return 0 }
	}

	switch {
	case turn.ForcedSpeaker != nil:
		s.speaker = *turn.ForcedSpeaker
	case turn.Prompt.ForceSpeaker || len(turn.Characters) > 1:
		s.needsSpeaker = true
	default:
		s.speaker = s.defaultSpeaker()
	}
	return s
}

// NewState returns a parse state for one attempt. sink may be nil, in which
// case voice lines are only reported to the observer.
func NewState(settings Settings, turn Turn, g game.Interface, ev Evaluator, sink Sink, obs Observer) (*State, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := turn.validate(); err != nil {
		return nil, err
	}
	return newState(settings, turn, stateConfig{game: g, behaviors: ev, sink: sink, observe: obs}), nil
}

// Done reports whether the response has ended and further chunks would be
// ignored.
func (s *State) Done() bool { return s.eos }

// OnChunk consumes one streamed fragment.
func (s *State) OnChunk(ctx context.Context, text string) error {
	if s.eos {
		return nil
	}
	text = s.turn.Prompt.Replace(text)
	if text == "" {
		return nil
	}

	if text == s.lastChunk {
		s.repeats++
		if s.repeats > s.settings.SameOutputLimit {
			return newError(KindLoop, "chunk %q repeated %d times", text, s.repeats)
		}
	} else {
		s.lastChunk, s.repeats = text, 1
	}

	if s.game != nil && s.game.IsConversationEnded() {
		s.eos = true
		return nil
	}

	at := s.raw.Len()
	s.raw.WriteString(text)
	if s.needsSpeaker && !s.verified {
		if s.pending.Len() == 0 {
			s.pendingAt = at
		}
		s.pending.WriteString(text)
		return s.attribute(ctx, false)
	}
	s.started()
	return s.feed(ctx, text, at)
}

// OnStreamEnd finishes the response and assembles the reply.
func (s *State) OnStreamEnd(ctx context.Context) (Reply, error) {
	if s.needsSpeaker && !s.verified {
		if err := s.attribute(ctx, true); err != nil {
			return Reply{}, err
		}
	}
	if s.verified || !s.needsSpeaker {
		rest := s.sentence
		s.sentence = ""
		s.completeAt = s.sentenceAt
		if err := s.onSentenceComplete(ctx, rest); err != nil {
			return Reply{}, err
		}
	}
	if err := s.flushLine(ctx); err != nil {
		return Reply{}, err
	}

	if s.voiceLines == 0 && s.tooShort > 0 {
		return Reply{}, newError(KindVoicelineTooShort, "all %d voice lines were too short", s.tooShort)
	}
	if s.sentences == 0 && s.settings.MustGenerateSentence {
		return Reply{}, newError(KindEmptySentence, "response contained no sentence")
	}

	reply := Reply{
		Speaker:          s.first,
		Full:             s.renderFull(),
		Raw:              s.renderRaw(),
		Events:           s.events,
		EndsConversation: s.ends,
		Sentences:        s.sentences,
		VoiceLines:       s.voiceLines,
	}
	if !s.spokeFirst {
		reply.Speaker = s.speaker
	}
	reply.Text = reply.Raw
	if s.settings.ReformatFullReply && reply.Full != "" {
		reply.Text = reply.Full
	}
	if reply.Empty() && s.settings.ErrorOnEmptyFullReply {
		return Reply{}, newError(KindEmptyReply, "reply is empty")
	}
	return reply, nil
}

// started marks the current speaker as verified once content flows.
func (s *State) started() {
	if s.verified {
		return
	}
	s.verified = true
	s.announce(s.speaker)
}

// attribute tries to settle the speaker from the pending buffer.
func (s *State) attribute(ctx context.Context, final bool) error {
	buf := s.pending.String()
	if i, _ := indexAny(buf, s.turn.Prompt.Stops()); i >= 0 {
		buf = buf[:i]
		s.eos = true
		final = true
	}

	sig := s.turn.Prompt.MessageSignifier
	if i := strings.Index(buf, sig); i >= 0 && s.nameLike(buf[:i]) {
		candidate, rest := buf[:i], buf[i+len(sig):]
		restAt := s.pendingAt + i + len(sig)
		c, who, err := resolveSpeaker(s.turn, candidate, s.settings.FuzzySpeakerMatch)
		switch {
		case err == nil && who == attributedPlayer:
			s.log.Info("parser: model wrote the player's line, ending response", "name", candidate)
			s.pending.Reset()
			s.endAt(s.pendingAt)
			return nil
		case err == nil:
			return s.verify(ctx, c, rest, restAt)
		case who != attributedPlayer && KindOf(err) == KindInvalidAuthor && !s.turn.Prompt.ForceSpeaker:
			// Not a name after all, e.g. "Listen: ...". Treat it as content.
			return s.verify(ctx, s.defaultSpeaker(), buf, s.pendingAt)
		case s.fallback:
			s.log.Warn("parser: falling back to random speaker", "candidate", candidate, "err", err)
			return s.verify(ctx, s.randomSpeaker(), rest, restAt)
		default:
			return err
		}
	}

	tooLong := utf8.RuneCountInString(buf) > maxNameRunes
	sentence := strings.ContainsAny(buf, s.turn.Prompt.EndOfSentenceChars)
	if s.turn.Prompt.ForceSpeaker {
		switch {
		case !tooLong && !final && !sentence:
			return nil
		case strings.TrimSpace(buf) == "":
			s.pending.Reset()
			return nil
		case s.fallback:
			return s.verify(ctx, s.randomSpeaker(), buf, s.pendingAt)
		default:
			return newError(KindInvalidAuthor, "no speaker announced in %q", truncate(buf, maxNameRunes))
		}
	}

	if final || tooLong || sentence {
		return s.verify(ctx, s.defaultSpeaker(), buf, s.pendingAt)
	}
	return nil
}

// nameLike reports whether text could be a speaker name: short, and free of
// sentence terminators and roleplay markers.
func (s *State) nameLike(text string) bool {
	p := s.turn.Prompt
	if utf8.RuneCountInString(text) > maxNameRunes || strings.ContainsAny(text, p.EndOfSentenceChars) {
		return false
	}
	// "*Lydia*" is a name in bold; "*waves* Lydia" is narration.
	inner := strings.Trim(text, " \t\n"+p.RoleplayPrefix+p.RoleplaySuffix)
	if inner == "" {
		return false
	}
	i, _ := indexAny(inner, append(p.OpenMarkers(), p.CloseMarkers()...))
	return i < 0
}

// verify fixes the speaker and feeds rest, found at raw offset at, as
// content.
func (s *State) verify(ctx context.Context, c game.Character, rest string, at int) error {
	s.pending.Reset()
	s.speaker = c
	s.started()
	if rest == "" {
		return nil
	}
	return s.feed(ctx, rest, at)
}

func (s *State) announce(c game.Character) {
	if s.game != nil {
		s.game.SetActiveCharacter(c.Name)
	}
	s.emit(Event{Kind: EventSpeaker, Speaker: c.Name})
}

// feed appends content, found at raw offset at, to the sentence buffer and
// completes whatever sentences and narration toggles it now holds.
func (s *State) feed(ctx context.Context, text string, at int) error {
	if s.sentence == "" {
		s.sentenceAt = at
	}
	s.sentence += text
	if i, _ := indexAny(s.sentence, s.turn.Prompt.Stops()); i >= 0 {
		s.sentence = s.sentence[:i]
		s.eos = true
	}

	for {
		markers := s.turn.Prompt.OpenMarkers()
		if s.narrating {
			markers = s.turn.Prompt.CloseMarkers()
		}
		mi, ml := indexAny(s.sentence, markers)
		end := sentenceEnd(s.sentence, s.turn.Prompt.EndOfSentenceChars)

		switch {
		case mi >= 0 && (end < 0 || mi < end):
			before := s.sentence[:mi]
			s.sentence = s.sentence[mi+ml:]
			s.completeAt = s.sentenceAt
			s.sentenceAt += mi + ml
			if err := s.onSentenceComplete(ctx, before); err != nil {
				return err
			}
			if err := s.onNarrationToggle(ctx); err != nil {
				return err
			}
		case end >= 0:
			done := s.sentence[:end]
			s.sentence = s.sentence[end:]
			s.completeAt = s.sentenceAt
			s.sentenceAt += end
			if err := s.onSentenceComplete(ctx, done); err != nil {
				return err
			}
		default:
			return nil
		}
		if s.eos && s.sentence == "" {
			return nil
		}
	}
}

// onNarrationToggle closes the current voice line and flips narration.
func (s *State) onNarrationToggle(ctx context.Context) error {
	if err := s.flushLine(ctx); err != nil {
		return err
	}
	s.narrating = !s.narrating
	s.emit(Event{Kind: EventBoundary, Speaker: s.currentSpeaker().Name(), Narrating: s.narrating})
	return nil
}

// onSentenceComplete runs a finished raw sentence, which starts at raw
// offset completeAt, through the pipeline and appends it to the current
// voice line.
func (s *State) onSentenceComplete(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.settings.MaxResponseSentences > 0 && s.sentences >= s.settings.MaxResponseSentences {
		return nil
	}
	at, rawLen := s.completeAt, len(text)

	if !s.narrating {
		var err error
		if text, err = s.switchSpeaker(ctx, text); err != nil {
			return err
		}
		if s.eos && text == "" {
			return nil
		}
	}

	if s.aborts(text) {
		s.log.Info("parser: abort trigger in sentence, ending response", "sentence", text)
		s.sentence = ""
		s.endAt(at)
		return nil
	}
	for _, u := range s.turn.Prompt.UndoTriggers {
		if u != "" && strings.Contains(text, u) {
			s.log.Debug("parser: undo trigger, discarding sentence", "sentence", text)
			s.undone = append(s.undone, [2]int{at, at + rawLen})
			return nil
		}
	}

	text, keywords := s.runBehaviors(ctx, text)
	sentence := CleanSentence(text, s.settings.PrefacePattern)
	if !speakable(sentence) {
		s.line.Behaviors = append(s.line.Behaviors, keywords...)
		return nil
	}

	speaker := s.currentSpeaker()
	s.emit(Event{Kind: EventSentence, Speaker: speaker.Name(), Text: sentence})
	s.addSegment(sentence)
	s.sentences++
	if !s.spokeFirst && !speaker.Narrator {
		s.first, s.spokeFirst = speaker.Character, true
	}

	if s.settings.MaxResponseSentences > 0 && s.sentences >= s.settings.MaxResponseSentences {
		s.eos = true
		s.sentence = ""
	}

	if speaker.Narrator && !s.settings.NarratorEnabled {
		s.line.Behaviors = append(s.line.Behaviors, keywords...)
		return nil
	}
	if len(s.line.Sentences) > 0 && !s.line.Speaker.Is(speaker) {
		if err := s.flushLine(ctx); err != nil {
			return err
		}
	}
	s.line.Speaker = speaker
	s.line.Sentences = append(s.line.Sentences, sentence)
	s.line.Behaviors = append(s.line.Behaviors, keywords...)
	if len(s.line.Sentences) >= s.settings.SentencesPerVoiceline {
		return s.flushLine(ctx)
	}
	return nil
}

// switchSpeaker handles "Name<signifier>" at the start of a sentence. A
// player alias ends the response, or fails it in radiant dialogue. Another
// character takes over in multi-character turns. The current speaker's own
// name is stripped. Anything else is left as content.
func (s *State) switchSpeaker(ctx context.Context, text string) (string, error) {
	trimmed := strings.TrimLeft(text, " \t\n")
	i := strings.Index(trimmed, s.turn.Prompt.MessageSignifier)
	if i <= 0 || !s.nameLike(trimmed[:i]) {
		return text, nil
	}
	c, who, err := resolveSpeaker(s.turn, trimmed[:i], s.settings.FuzzySpeakerMatch)
	switch {
	case who == attributedPlayer && err == nil:
		s.log.Info("parser: model wrote the player's line, ending response", "name", trimmed[:i])
		s.sentence = ""
		s.endAt(s.completeAt)
		return "", nil
	case who == attributedPlayer && !s.fallback:
		return "", err
	case who == attributedPlayer:
		s.log.Warn("parser: falling back to random speaker", "candidate", trimmed[:i], "err", err)
		c = s.randomSpeaker()
	case err != nil:
		return text, nil
	}
	rest := trimmed[i+len(s.turn.Prompt.MessageSignifier):]
	if c.Name == s.speaker.Name {
		return rest, nil
	}
	if len(s.turn.Characters) < 2 {
		return text, nil
	}
	if err := s.flushLine(ctx); err != nil {
		return "", err
	}
	s.speaker = c
	s.announce(c)
	return rest, nil
}

func (s *State) aborts(text string) bool {
	for _, a := range s.settings.AbortSubstrings {
		if a != "" && strings.Contains(text, a) {
			return true
		}
	}
	return s.settings.AbortPattern != nil && s.settings.AbortPattern.MatchString(text)
}

// runBehaviors evaluates every behavior token in text. Tokens that trigger
// something are removed; the rest are replaced by their inner text.
func (s *State) runBehaviors(ctx context.Context, text string) (string, []string) {
	if s.behaviors == nil || !strings.Contains(text, s.turn.Behavior.Prefix) {
		return text, nil
	}
	var keywords []string
	stripped := s.token.ReplaceAllString(text, "")
	out := s.token.ReplaceAllStringFunc(text, func(tok string) string {
		inner := s.token.FindStringSubmatch(tok)[1]
		triggered := s.behaviors.Evaluate(ctx, inner, behavior.Input{
			Speaker:          s.speaker,
			Sentence:         stripped,
			Game:             s.game,
			ActiveCharacters: len(s.turn.Characters),
			Radiant:          s.turn.Radiant,
		})
		if len(triggered) == 0 {
			return inner
		}
		for _, t := range triggered {
			keywords = append(keywords, t.Keyword)
			if t.Outcome.Event != "" {
				s.events = append(s.events, t.Outcome.Event)
			}
			if t.Outcome.EndsConversation {
				s.ends = true
			}
			s.emit(Event{Kind: EventBehavior, Speaker: s.speaker.Name, Text: t.Keyword})
		}
		return ""
	})
	return out, keywords
}

// flushLine hands the buffered voice line to the sink.
func (s *State) flushLine(ctx context.Context) error {
	if len(s.line.Sentences) == 0 {
		s.line = VoiceLine{}
		return nil
	}
	line := s.line
	s.line = VoiceLine{}
	if !speakable(line.Text()) {
		return nil
	}
	s.emit(Event{Kind: EventVoiceLine, Speaker: line.Speaker.Name(), Text: line.Text()})
	if s.sink != nil {
		err := s.sink.Dispatch(ctx, line)
		switch {
		case errors.Is(err, ErrVoicelineTooShort):
			s.tooShort++
			return nil
		case err != nil:
			return err
		}
	}
	s.voiceLines++
	return nil
}

func (s *State) currentSpeaker() Speaker {
	if s.narrating {
		return Speaker{Narrator: true}
	}
	return Speaker{Character: s.speaker}
}

func (s *State) addSegment(sentence string) {
	speaker := s.speaker.Name
	if n := len(s.segments); n > 0 {
		last := &s.segments[n-1]
		if last.narration == s.narrating && last.speaker == speaker {
			last.sentences = append(last.sentences, sentence)
			return
		}
	}
	s.segments = append(s.segments, segment{
		narration: s.narrating,
		speaker:   speaker,
		sentences: []string{sentence},
	})
}

// renderFull rebuilds the reply from its segments. Narration is wrapped in
// the roleplay markers; dialogue carries its speaker's name when more than
// one character is present.
func (s *State) renderFull() string {
	p := s.turn.Prompt
	multi := len(s.turn.Characters) > 1
	var b strings.Builder
	prevSpeaker := ""
	for i, seg := range s.segments {
		text := strings.Join(seg.sentences, " ")
		if seg.narration {
			text = p.RoleplayPrefix + text + p.RoleplaySuffix
		}
		if multi && seg.speaker != prevSpeaker {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(seg.speaker + p.MessageSignifier)
			prevSpeaker = seg.speaker
		} else if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(text)
	}
	return b.String()
}

// renderRaw is the streamed text cut where the response ended, without
// undone sentences and behavior tokens.
func (s *State) renderRaw() string {
	if s.sentences == 0 {
		return ""
	}
	raw := s.raw.String()
	if s.cut >= 0 && s.cut < len(raw) {
		raw = raw[:s.cut]
	}
	for i := len(s.undone) - 1; i >= 0; i-- {
		from, to := s.undone[i][0], min(s.undone[i][1], len(raw))
		if from < to {
			raw = raw[:from] + raw[to:]
		}
	}
	if i, _ := indexAny(raw, s.turn.Prompt.Stops()); i >= 0 {
		raw = raw[:i]
	}
	if i, _ := indexAny(raw, s.settings.AbortSubstrings); i >= 0 {
		raw = raw[:i]
	}
	if s.settings.AbortPattern != nil {
		if loc := s.settings.AbortPattern.FindStringIndex(raw); loc != nil {
			raw = raw[:loc[0]]
		}
	}
	raw = s.token.ReplaceAllString(raw, "")
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(raw, " "))
}

// endAt marks EOS with the response cut at raw offset at.
func (s *State) endAt(at int) {
	if s.cut < 0 || at < s.cut {
		s.cut = at
	}
	s.eos = true
}

func (s *State) defaultSpeaker() game.Character {
	if s.game != nil {
		if c, ok := s.game.ActiveCharacter(); ok {
			for _, tc := range s.turn.Characters {
				if tc.Name == c.Name {
					return tc
				}
			}
		}
	}
	return s.turn.Characters[0]
}

func (s *State) randomSpeaker() game.Character {
	return s.turn.Characters[s.pick(len(s.turn.Characters))]
}

func (s *State) emit(e Event) {
	if s.observe != nil {
		s.observe(e)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
