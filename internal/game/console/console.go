// Package console implements [game.Interface] on a terminal.
//
// The player types lines on stdin, read through [Lines]; NPC lines are printed to stdout and,
// optionally, written as WAV files so the synthesized audio can be checked.
// A few slash commands stand in for what a real game would report:
//
//	/join <name>   a character walks into the conversation
//	/quit, /bye    the player walks away
//
// An empty line passes the turn.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/pkg/audio"
)

// Option configures a [Game].
type Option func(*Game)

// WithGameName sets the identifier behaviors are filtered by.
// Default: [game.Skyrim].
func WithGameName(name string) Option {
	return func(g *Game) { g.name = name }
}

// WithLocation sets the location reported to the conversation.
func WithLocation(loc string) Option {
	return func(g *Game) { g.location = loc }
}

// WithRadiant makes the conversation NPC-initiated: the player is never
// asked for input and the characters talk among themselves.
func WithRadiant(radiant bool) Option {
	return func(g *Game) { g.radiant = radiant }
}

// WithRoster lists characters that can join with /join. Unknown names join as
// generic characters.
func WithRoster(roster []game.Character) Option {
	return func(g *Game) { g.roster = slices.Clone(roster) }
}

// WithAudioDir writes every delivered line to dir as a WAV file. The TTS
// audio arrives as from and is converted to to before writing.
func WithAudioDir(dir string, from, to audio.Format) Option {
	return func(g *Game) {
		g.audioDir = dir
		g.from = from
		g.to = to
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Game) { g.log = l }
}

// Lines reads an input stream line by line in the background. One Lines
// may feed several games in turn, so input typed while a game is being
// replaced is not lost.
type Lines struct {
	r    io.Reader
	log  *slog.Logger
	once sync.Once
	ch   chan string
}

// NewLines returns a Lines reading r. Reading starts on first use.
func NewLines(r io.Reader) *Lines {
	return &Lines{r: r, log: slog.Default(), ch: make(chan string)}
}

// C returns the channel of lines. It is closed when r is exhausted.
func (l *Lines) C() <-chan string {
	l.once.Do(func() {
		go func() {
			defer close(l.ch)
			sc := bufio.NewScanner(l.r)
			for sc.Scan() {
				l.ch <- sc.Text()
			}
			if err := sc.Err(); err != nil {
				l.log.Warn("console: reading input", "err", err)
			}
		}()
	})
	return l.ch
}

// Game is a terminal-backed [game.Interface]. It is safe for concurrent use.
type Game struct {
	in  *Lines
	out io.Writer
	log *slog.Logger

	name     string
	location string
	radiant  bool
	roster   []game.Character

	audioDir string
	from, to audio.Format

	mu       sync.Mutex
	cast     []game.Character
	active   string
	ended    bool
	pending  []game.Command
	executed []game.Command
	written  int
}

var _ game.Interface = (*Game)(nil)

// New returns a Game reading player lines from in and writing to out, with
// cast already in the conversation.
func New(in *Lines, out io.Writer, cast []game.Character, opts ...Option) *Game {
	g := &Game{
		in:   in,
		out:  out,
		log:  slog.Default(),
		name: game.Skyrim,
		cast: slices.Clone(cast),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Game implements game.Interface.
func (g *Game) Game() string { return g.name }

// Location implements game.Interface.
func (g *Game) Location() string { return g.location }

// IsRadiantDialogue implements game.Interface.
func (g *Game) IsRadiantDialogue() bool { return g.radiant }

// ActiveCharacter implements game.Interface.
func (g *Game) ActiveCharacter() (game.Character, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.cast {
		if c.Name == g.active {
			return c, true
		}
	}
	return game.Character{}, false
}

// SetActiveCharacter implements game.Interface.
func (g *Game) SetActiveCharacter(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = name
}

// IsConversationEnded implements game.Interface.
func (g *Game) IsConversationEnded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended
}

// Reopen clears the ended flag so a new conversation can start.
func (g *Game) Reopen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ended = false
}

// QueueActorMethod implements game.Interface. Commands run, which here means
// they are printed, after the next delivered line.
func (g *Game) QueueActorMethod(character, method string, args ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, game.Command{Character: character, Method: method, Args: args})
}

// Executed returns every command that has run so far.
func (g *Game) Executed() []game.Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.executed)
}

// Say implements game.Interface.
func (g *Game) Say(_ context.Context, speaker game.Character, text string, pcm []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := fmt.Fprintf(g.out, "%s: %s\n", speaker.Name, text); err != nil {
		return fmt.Errorf("console: say: %w", err)
	}
	g.writeAudio(speaker.Name, pcm)
	g.runPending()
	return nil
}

// Narrate implements game.Interface.
func (g *Game) Narrate(_ context.Context, text string, pcm []byte, volume float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := fmt.Fprintf(g.out, "* %s *\n", text); err != nil {
		return fmt.Errorf("console: narrate: %w", err)
	}
	if volume > 0 {
		g.writeAudio("narrator", pcm)
	}
	return nil
}

// ActorCount implements game.Interface.
func (g *Game) ActorCount(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cast), nil
}

// Characters implements game.Interface.
func (g *Game) Characters(context.Context) ([]game.Character, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.cast), nil
}

// PlayerInput implements game.Interface. It returns io.EOF once the player
// quits or the input is closed.
func (g *Game) PlayerInput(ctx context.Context) (string, error) {
	for {
		g.mu.Lock()
		_, err := fmt.Fprint(g.out, "> ")
		g.mu.Unlock()
		if err != nil {
			return "", fmt.Errorf("console: prompt: %w", err)
		}
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok = <-g.in.C():
		}
		if !ok {
			g.end()
			return "", io.EOF
		}

		line = strings.TrimSpace(line)
		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToLower(cmd) {
		case "/quit", "/bye":
			g.end()
			return "", io.EOF
		case "/join":
			g.join(strings.TrimSpace(arg))
			continue
		}
		return line, nil
	}
}

func (g *Game) end() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ended = true
}

func (g *Game) join(name string) {
	if name == "" {
		return
	}
	c := game.Character{Name: name, Generic: true}
	for _, r := range g.roster {
		if strings.EqualFold(r.Name, name) {
			c = r
			break
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.cast {
		if existing.Name == c.Name {
			return
		}
	}
	g.cast = append(g.cast, c)
	fmt.Fprintf(g.out, "* %s joins the conversation *\n", c.Name)
}

// runPending must be called with g.mu held.
func (g *Game) runPending() {
	for _, c := range g.pending {
		fmt.Fprintf(g.out, "  [%s %s%s]\n", c.Character, c.Method, formatArgs(c.Args))
	}
	g.executed = append(g.executed, g.pending...)
	g.pending = nil
}

// writeAudio must be called with g.mu held. Failures are logged; the line
// has been shown already.
func (g *Game) writeAudio(speaker string, pcm []byte) {
	if g.audioDir == "" || len(pcm) == 0 {
		return
	}
	g.written++
	path := filepath.Join(g.audioDir, fmt.Sprintf("%04d_%s.wav", g.written, fileName(speaker)))
	if err := writeWAVFile(path, pcm, g.from, g.to); err != nil {
		g.log.Warn("console: writing audio", "path", path, "err", err)
	}
}

func writeWAVFile(path string, pcm []byte, from, to audio.Format) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if audio.IsWAV(pcm) {
		_, err = f.Write(pcm)
		return err
	}
	converted, err := audio.Convert(pcm, from, to)
	if err != nil {
		return err
	}
	return audio.WriteWAV(f, converted, to)
}

func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == ' ' || r == '-' || r == '_':
			return '_'
		}
		return -1
	}, name)
}

func formatArgs(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return " " + strings.Join(args, " ")
}
