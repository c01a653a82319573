package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/behavior"
	"github.com/MrWong99/parley/internal/game"
	"github.com/MrWong99/parley/internal/style"
	"github.com/MrWong99/parley/pkg/memory"
)

// promptContext is everything the system prompt is rendered from.
type promptContext struct {
	characters   []game.Character
	player       string
	location     string
	radiant      bool
	instructions string
	prompt       style.Prompt
	behavior     style.Behavior
	behaviors    []behavior.Definition
}

// formatSystemPrompt renders the system prompt for one turn. Empty sections
// are omitted rather than rendered as empty headers.
func formatSystemPrompt(pc promptContext) string {
	var sb strings.Builder

	// ── Opening line ──────────────────────────────────────────────────────────
	names := joinNames(pc.characters)
	switch {
	case pc.radiant:
		fmt.Fprintf(&sb, "You are %s, talking among yourselves", names)
	case pc.player != "":
		fmt.Fprintf(&sb, "You are %s, in a conversation with %s", names, pc.player)
	default:
		fmt.Fprintf(&sb, "You are %s, in a conversation with the player", names)
	}
	if pc.location != "" {
		fmt.Fprintf(&sb, " in %s", pc.location)
	}
	sb.WriteByte('.')

	// ── Characters ────────────────────────────────────────────────────────────
	var bios []string
	for _, c := range pc.characters {
		if bio := strings.TrimSpace(c.Bio); bio != "" {
			bios = append(bios, fmt.Sprintf("%s: %s", c.Name, bio))
		}
	}
	if len(bios) > 0 {
		sb.WriteString("\n\n## Characters\n")
		sb.WriteString(strings.Join(bios, "\n"))
	}

	if s := strings.TrimSpace(pc.instructions); s != "" {
		sb.WriteString("\n\n## Instructions\n")
		sb.WriteString(s)
	}

	// ── Format ────────────────────────────────────────────────────────────────
	sb.WriteString("\n\n## Format\n")
	if len(pc.characters) > 0 && (len(pc.characters) > 1 || pc.prompt.ForceSpeaker) {
		fmt.Fprintf(&sb, "Start every line with the speaker's name followed by %q, e.g. %q.\n",
			pc.prompt.MessageSignifier, pc.characters[0].Name+pc.prompt.MessageSignifier+"...")
	}
	fmt.Fprintf(&sb, "Write actions and descriptions between %s and %s. Never speak for %s.",
		pc.prompt.RoleplayPrefix, pc.prompt.RoleplaySuffix, playerOr(pc.player))

	// ── Behaviors ─────────────────────────────────────────────────────────────
	if len(pc.behaviors) > 0 {
		sb.WriteString("\n\n## Actions\n")
		sb.WriteString("You can act by writing one of these tokens in a sentence:\n")
		lines := make([]string, len(pc.behaviors))
		for i, d := range pc.behaviors {
			lines[i] = fmt.Sprintf("%s: %s", pc.behavior.Token(d.Keyword), d.Description)
		}
		sb.WriteString(strings.Join(lines, "\n"))
	}

	return sb.String()
}

// formatMemory renders what character recalls from earlier conversations.
func formatMemory(character string, entries []memory.Entry, now time.Time) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, fmt.Sprintf("[%s remembers]:", character))
	for _, e := range entries {
		speaker := e.Speaker
		if speaker == "" {
			speaker = "Event"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", formatRelativeTime(now.Sub(e.Timestamp)), speaker, e.Text))
	}
	return strings.Join(lines, "\n")
}

// formatRelativeTime converts a duration to a compact label such as
// "just now", "2m ago" or "3d ago".
func formatRelativeTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func joinNames(cs []game.Character) string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name
	}
	switch len(names) {
	case 0:
		return "an NPC"
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

func playerOr(name string) string {
	if name == "" {
		return "the player"
	}
	return name
}
