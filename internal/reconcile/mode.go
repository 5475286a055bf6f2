package reconcile

import "fmt"

// Mode selects whether remote data is used at all.
type Mode int

const (
	// ModeOnline synchronizes with the remote service.
	ModeOnline Mode = iota
	// ModeOffline keeps only locally observed markers.
	ModeOffline
)

func (m Mode) String() string {
	switch m {
	case ModeOnline:
		return "online"
	case ModeOffline:
		return "offline"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts the configuration form of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "online", "":
		return ModeOnline, nil
	case "offline":
		return ModeOffline, nil
	default:
		return ModeOnline, fmt.Errorf("unknown mode: %q", s)
	}
}
