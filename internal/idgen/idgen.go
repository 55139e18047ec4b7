// Package idgen generates subscription keys backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// SubscriptionPrefix starts every subscription key, keeping the keyspace
// of subscription records apart from event state keys.
const SubscriptionPrefix = "sub:"

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	length   = 16
)

// SubscriptionKey returns a new random subscription key such as
// "sub:4k1x9q0mz2c8v7bn".
func SubscriptionKey() (string, error) {
	return New(SubscriptionPrefix)
}

// New returns prefix followed by a random identifier.
func New(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
