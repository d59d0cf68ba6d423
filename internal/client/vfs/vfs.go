// Package vfs abstracts the virtual-filesystem placeholder manager used on
// platforms where file contents can stay server-side until first access.
package vfs

// PinState directs whether a file's content should be kept locally.
type PinState int

const (
	// PinStateInherited follows the parent folder's pin state.
	PinStateInherited PinState = iota
	// PinStateAlwaysLocal keeps the content on disk.
	PinStateAlwaysLocal
	// PinStateOnlineOnly dehydrates the file to a placeholder.
	PinStateOnlineOnly
	// PinStateUnspecified lets the platform decide.
	PinStateUnspecified
)

func (p PinState) String() string {
	switch p {
	case PinStateInherited:
		return "Inherited"
	case PinStateAlwaysLocal:
		return "AlwaysLocal"
	case PinStateOnlineOnly:
		return "OnlineOnly"
	case PinStateUnspecified:
		return "Unspecified"
	default:
		return "Unknown"
	}
}

// ConvertToPlaceholderResult is the outcome of converting a synced file into
// a placeholder during a metadata update.
type ConvertToPlaceholderResult int

const (
	ConvertOK ConvertToPlaceholderResult = iota
	ConvertError
	ConvertLocked
)

// Vfs is the placeholder manager the propagator talks to.
type Vfs interface {
	// PinState returns the pin state recorded for the relative path.
	// ok is false when the path has no recorded state.
	PinState(relPath string) (state PinState, ok bool)

	// SetPinState records a pin state for the relative path.
	SetPinState(relPath string, state PinState) error
}

// Off is the Vfs used when placeholders are disabled; it records nothing.
type Off struct{}

func (Off) PinState(string) (PinState, bool)   { return PinStateUnspecified, false }
func (Off) SetPinState(string, PinState) error { return nil }
