package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Sections lists the top-level keys whose values differ, in file order.
	// Any change outside server.log_level takes effect after a conversation
	// restart.
	Sections []string

	// CharactersAdded and CharactersRemoved are by name.
	CharactersAdded   []string
	CharactersRemoved []string
}

// NeedsRestart reports whether the running conversation must restart to
// pick up the change.
func (d ConfigDiff) NeedsRestart() bool {
	for _, s := range d.Sections {
		if s != "server" {
			return true
		}
	}
	return false
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.Sections) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, new.Server},
		{"providers", old.Providers, new.Providers},
		{"parser", old.Parser, new.Parser},
		{"narrator", old.Narrator, new.Narrator},
		{"conversation", old.Conversation, new.Conversation},
		{"reload", old.Reload, new.Reload},
		{"history", old.History, new.History},
		{"memory", old.Memory, new.Memory},
		{"styles", old.Styles, new.Styles},
		{"game", old.Game, new.Game},
		{"characters", old.Characters, new.Characters},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.Sections = append(d.Sections, s.name)
		}
	}

	oldNames := characterNames(old)
	newNames := characterNames(new)
	for _, n := range newNames {
		if !slices.Contains(oldNames, n) {
			d.CharactersAdded = append(d.CharactersAdded, n)
		}
	}
	for _, n := range oldNames {
		if !slices.Contains(newNames, n) {
			d.CharactersRemoved = append(d.CharactersRemoved, n)
		}
	}
	return d
}

func characterNames(cfg *Config) []string {
	out := make([]string, len(cfg.Characters))
	for i, c := range cfg.Characters {
		out[i] = c.Name
	}
	return out
}
