//go:build !linux

package media

import "errors"

// NewSession reports that no media session exists on this platform
func NewSession() (Session, error) {
	return nil, errors.New("media session not supported on this platform")
}
