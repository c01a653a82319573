package console_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/game/console"
	"github.com/MrWong99/parley/pkg/audio"
)

var lydia = game.Character{Name: "Lydia"}

func TestPlayerInput(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("Hello there.\n\n/join Jon Battle-Born\nWho are you?\n/quit\n")
	var out bytes.Buffer
	roster := []game.Character{{Name: "Jon Battle-Born", Bio: "A bard."}}
	g := console.New(console.NewLines(in), &out, []game.Character{lydia}, console.WithRoster(roster))
	ctx := context.Background()

	for _, want := range []string{"Hello there.", "", "Who are you?"} {
		got, err := g.PlayerInput(ctx)
		if err != nil {
			t.Fatalf("PlayerInput: %v", err)
		}
		if got != want {
			t.Errorf("input = %q, want %q", got, want)
		}
	}

	cast, _ := g.Characters(ctx)
	if len(cast) != 2 || cast[1].Bio != "A bard." {
		t.Errorf("cast = %+v, want Lydia and the rostered Jon", cast)
	}
	if n, _ := g.ActorCount(ctx); n != 2 {
		t.Errorf("actor count = %d, want 2", n)
	}

	if _, err := g.PlayerInput(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF after /quit", err)
	}
	if !g.IsConversationEnded() {
		t.Error("conversation should be ended after /quit")
	}
	g.Reopen()
	if g.IsConversationEnded() {
		t.Error("Reopen should clear the ended flag")
	}
}

func TestPlayerInput_EOF(t *testing.T) {
	t.Parallel()

	g := console.New(console.NewLines(strings.NewReader("")), io.Discard, nil)
	if _, err := g.PlayerInput(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if !g.IsConversationEnded() {
		t.Error("closed input should end the conversation")
	}
}

func TestPlayerInput_Canceled(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	g := console.New(console.NewLines(pr), io.Discard, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.PlayerInput(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSay_PrintsAndRunsCommands(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	g := console.New(console.NewLines(strings.NewReader("")), &out, []game.Character{lydia})
	ctx := context.Background()

	g.SetActiveCharacter("Lydia")
	if c, ok := g.ActiveCharacter(); !ok || c.Name != "Lydia" {
		t.Fatalf("active = %v, %v", c, ok)
	}

	g.QueueActorMethod("Lydia", "StartCombat", "Player")
	if err := g.Say(ctx, lydia, "Die!", nil); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if err := g.Narrate(ctx, "She draws her sword.", nil, 1); err != nil {
		t.Fatalf("Narrate: %v", err)
	}

	want := "Lydia: Die!\n  [Lydia StartCombat Player]\n* She draws her sword. *\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
	if got := g.Executed(); len(got) != 1 || got[0].Method != "StartCombat" {
		t.Errorf("executed = %+v", got)
	}
}

func TestSay_WritesWAV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	from := audio.Format{SampleRate: 16000, Channels: 1}
	to := audio.Format{SampleRate: 16000, Channels: 2}
	g := console.New(console.NewLines(strings.NewReader("")), io.Discard, nil, console.WithAudioDir(dir, from, to))

	pcm := make([]byte, 320)
	if err := g.Say(context.Background(), game.Character{Name: "Jon Battle-Born"}, "Hi.", pcm); err != nil {
		t.Fatalf("Say: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "0001_jon_battle_born.wav"))
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if !audio.IsWAV(b) {
		t.Fatal("file is not a WAV")
	}
	if got, want := len(b), 44+2*len(pcm); got != want {
		t.Errorf("file size = %d, want %d (stereo doubles the data)", got, want)
	}
}

func TestLines_SharedAcrossGames(t *testing.T) {
	t.Parallel()

	lines := console.NewLines(strings.NewReader("first\nsecond\n"))
	ctx := context.Background()

	g1 := console.New(lines, io.Discard, nil)
	if got, err := g1.PlayerInput(ctx); err != nil || got != "first" {
		t.Fatalf("first game input = %q, %v", got, err)
	}
	g2 := console.New(lines, io.Discard, nil)
	if got, err := g2.PlayerInput(ctx); err != nil || got != "second" {
		t.Fatalf("second game input = %q, %v", got, err)
	}
}
