package portal

// ConnectionScheme selects how a session is established.
type ConnectionScheme string

const (
	// SchemeUsernamePassword authenticates with the account's username and
	// password directly against the portal (or through an ENT broker).
	SchemeUsernamePassword ConnectionScheme = "username_password"

	// SchemeQRCode authenticates with a scanned QR code payload once, then
	// with the rotated device token on every subsequent login.
	SchemeQRCode ConnectionScheme = "qrcode"
)

// AccountType selects whose timetable a session exposes.
type AccountType string

const (
	// AccountStudent is a student's own account.
	AccountStudent AccountType = "student"

	// AccountParent is a guardian account with child selection.
	AccountParent AccountType = "parent"
)

// Credentials is the immutable set of secrets needed to re-establish a
// session. A new value replaces the old one whenever the portal rotates the
// device token; individual fields are never mutated in place.
type Credentials struct {
	URL              string
	Username         string
	Password         string
	UUID             string
	ClientIdentifier string
}
