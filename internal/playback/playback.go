// Package playback defines the capability the alarm needs from a remote
// music service. Concrete services live in sub-packages.
package playback

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoCredential   = errors.New("no valid credential")
	ErrDeviceNotFound = errors.New("playback device not found")
)

// Token is a short-lived access credential.
type Token struct {
	Value  string
	Expiry time.Time // zero means no expiry
}

// Valid reports whether t can still be used at now, keeping a safety margin
// so a token does not expire mid-request.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return t.Expiry.IsZero() || now.Add(margin).Before(t.Expiry)
}

// PlayRequest starts playback of ContextURI on DeviceID.
type PlayRequest struct {
	DeviceID   string
	ContextURI string
	Volume     int
	Shuffle    bool
}

// Backend is the playback capability. Implementations must be safe for
// concurrent use and must not panic.
type Backend interface {
	Name() string
	// Token returns a usable access token, refreshing it when needed. The
	// boolean is false when no credential is available.
	Token(ctx context.Context) (Token, bool)
	// ResolveDevice maps a user-facing device name to the service's device id.
	ResolveDevice(ctx context.Context, tok Token, name string) (string, bool)
	StartPlayback(ctx context.Context, tok Token, req PlayRequest) error
	SetVolume(ctx context.Context, tok Token, deviceID string, percent int) error
}
