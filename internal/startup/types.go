// Package startup discovers login items, launch agents and launch daemons
// and tracks which of them the daemon manager currently has loaded.
package startup

import (
	"fmt"
	"strings"
)

// Kind is the mechanism that launches a startup item.
type Kind int

const (
	LoginItem Kind = iota + 1
	LaunchAgent
	LaunchDaemon
)

// LoginItemSource is the SourcePath of login items, which have no
// definition file.
const LoginItemSource = "System Preferences"

func (k Kind) String() string {
	switch k {
	case LoginItem:
		return "Login Item"
	case LaunchAgent:
		return "Launch Agent"
	case LaunchDaemon:
		return "Launch Daemon"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts "Login Item", "login_item", "loginitem", "LaunchAgent"
// and similar spellings.
func ParseKind(s string) (Kind, error) {
	norm := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "loginitem":
		return LoginItem, nil
	case "launchagent", "agent":
		return LaunchAgent, nil
	case "launchdaemon", "daemon":
		return LaunchDaemon, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case LoginItem, LaunchAgent, LaunchDaemon:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, int(k))
	}
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Item is one discovered startup mechanism.
type Item struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Label string `json:"label"` // empty for login items
	// SourcePath is the definition file, or LoginItemSource.
	SourcePath string `json:"source_path"`
	// Enabled is always true for login items; for agents and daemons it
	// reports whether the label is currently loaded.
	Enabled bool `json:"enabled"`

	Program   string `json:"program,omitempty"`
	Location  string `json:"location,omitempty"`
	RunAtLoad bool   `json:"run_at_load"`
	KeepAlive bool   `json:"keep_alive"`
}

// Summary counts the items of one scan.
type Summary struct {
	Total         int `json:"total"`
	Enabled       int `json:"enabled"`
	Disabled      int `json:"disabled"`
	LoginItems    int `json:"login_items"`
	LaunchAgents  int `json:"launch_agents"`
	LaunchDaemons int `json:"launch_daemons"`
}

// Summarize counts items by state and kind.
func Summarize(items []Item) Summary {
	var s Summary
	for _, it := range items {
		s.Total++
		if it.Enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
		switch it.Kind {
		case LoginItem:
			s.LoginItems++
		case LaunchAgent:
			s.LaunchAgents++
		case LaunchDaemon:
			s.LaunchDaemons++
		}
	}
	return s
}

// FilterByKind returns the items of kind k.
func FilterByKind(items []Item, k Kind) []Item {
	return filterItems(items, func(it Item) bool { return it.Kind == k })
}

// FilterEnabled returns the items whose Enabled field equals enabled.
func FilterEnabled(items []Item, enabled bool) []Item {
	return filterItems(items, func(it Item) bool { return it.Enabled == enabled })
}

// Search returns items whose name or label contains query,
// case-insensitively.
func Search(items []Item, query string) []Item {
	q := strings.ToLower(query)
	return filterItems(items, func(it Item) bool {
		return strings.Contains(strings.ToLower(it.Name), q) ||
			strings.Contains(strings.ToLower(it.Label), q)
	})
}

// Lookup finds a login item by name, or an agent/daemon by label.
func Lookup(items []Item, k Kind, id string) (Item, bool) {
	for _, it := range items {
		if it.Kind != k {
			continue
		}
		if (k == LoginItem && it.Name == id) || (k != LoginItem && it.Label == id) {
			return it, true
		}
	}
	return Item{}, false
}

func filterItems(items []Item, keep func(Item) bool) []Item {
	out := []Item{}
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}
