// Package address implements UAM address parsing and normalization:
// textual `name::domain` identifiers for agents.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned when a string does not parse as a valid
// UAM address.
var ErrInvalidAddress = fmt.Errorf("invalid address")

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Address is a normalized, parsed `name::domain` identifier.
type Address struct {
	Name   string
	Domain string
}

// String renders the address back to its wire form.
func (a Address) String() string {
	return a.Name + "::" + a.Domain
}

// Equal reports byte-equality after normalization.
func (a Address) Equal(other Address) bool {
	return a.Name == other.Name && a.Domain == other.Domain
}

// Parse parses and normalizes s into an Address. Name must match
// `[a-z0-9][a-z0-9-]*`, domain must be non-empty, and the whole string must
// contain no whitespace. Case is lowercased before validation.
func Parse(s string) (Address, error) {
	if strings.ContainsAny(s, " \t\n\r") {
		return Address{}, fmt.Errorf("%w: %q contains whitespace", ErrInvalidAddress, s)
	}
	lowered := strings.ToLower(s)
	parts := strings.SplitN(lowered, "::", 2)
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("%w: %q missing '::' separator", ErrInvalidAddress, s)
	}
	name, domain := parts[0], parts[1]
	if !nameRe.MatchString(name) {
		return Address{}, fmt.Errorf("%w: name %q does not match [a-z0-9][a-z0-9-]*", ErrInvalidAddress, name)
	}
	if domain == "" {
		return Address{}, fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	return Address{Name: name, Domain: domain}, nil
}
