// Package lduser defines the end user that flags are evaluated for.
//
// Attribute modelling and private-attribute redaction belong to the host
// SDK; this package only carries the attributes that flag requests and
// analytics events serialize.
package lduser

import (
	"encoding/base64"
	"encoding/json"
)

// User is an end user of the host application.
type User struct {
	Key       string         `json:"key"`
	Anonymous bool           `json:"anonymous,omitempty"`
	Name      string         `json:"name,omitempty"`
	FirstName string         `json:"firstName,omitempty"`
	LastName  string         `json:"lastName,omitempty"`
	Email     string         `json:"email,omitempty"`
	Country   string         `json:"country,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Avatar    string         `json:"avatar,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// New returns a user with the given key.
func New(key string) User {
	return User{Key: key}
}

// NewAnonymous returns an anonymous user with the given key.
func NewAnonymous(key string) User {
	return User{Key: key, Anonymous: true}
}

// ContextKind is the kind reported by alias and feature events.
func (u User) ContextKind() string {
	if u.Anonymous {
		return "anonymousUser"
	}
	return "user"
}

// JSON returns the user's JSON encoding.
func (u User) JSON() ([]byte, error) {
	return json.Marshal(u)
}

// Base64URL returns the user's JSON encoding in URL-safe base64, as carried in
// GET flag and stream request paths.
func (u User) Base64URL() (string, error) {
	b, err := u.JSON()
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
