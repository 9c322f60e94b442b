//go:build !windows && !(darwin && cgo)

package escrow

// New returns the escrow for this platform.
func New() Escrow {
	return Unavailable{}
}
