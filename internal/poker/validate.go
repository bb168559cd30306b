package poker

import "regexp"

// Input validation patterns. All format violations are rejected before any
// state mutation.
var (
	sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_\-]{16}$`)
	clientIDRe  = regexp.MustCompile(`^[A-Za-z0-9\-_]{7,36}$`)
	usernameRe  = regexp.MustCompile(`^[A-Za-z]{1,20}$`)
)

// ValidSessionID reports whether id is a well-formed session token.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// ValidClientID reports whether id is a well-formed durable client id.
func ValidClientID(id string) bool {
	return clientIDRe.MatchString(id)
}

// ValidUsername reports whether name is letters only and within bounds.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}
