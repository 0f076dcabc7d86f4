package turn

import "strings"

// Strategy decides whether user speech during an agent response interrupts it.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

// PoliteStrategy lets the agent finish; speech during a response is ignored.
type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

func ParseStrategy(v string) Strategy {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "polite":
		return PoliteStrategy{}
	default:
		return AggressiveStrategy{}
	}
}
