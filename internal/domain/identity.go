// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const MaxNumberLen = 36

var (
	ErrNumberEmpty   = errors.New("phone number empty")
	ErrNumberTooLong = errors.New("phone number too long")
)

// Number is the opaque address of a registered endpoint. The backend
// enforces uniqueness; the core only carries it around.
type Number string

func ParseNumber(s string) (Number, error) {
	if len(s) == 0 {
		return "", ErrNumberEmpty
	}
	if len(s) > MaxNumberLen {
		return "", ErrNumberTooLong
	}
	return Number(s), nil
}

// Peer pairs a remote endpoint with the language it registered with.
type Peer struct {
	Number   Number   `json:"number"`
	Language Language `json:"language"`
}
