package state

// Numeric close codes. Protocol events that end a session are normalized to
// one of these before the reconnect policy looks at them.
const (
	CodeUnauthorized       = 401
	CodeTemporaryBan       = 402
	CodeForbidden          = 403
	CodeMethodNotAllowed   = 405
	CodeUnknownLogout      = 406
	CodeConnectionLost     = 408
	CodeConnectionClosed   = 428
	CodeConnectionReplaced = 440
	CodeBadSession         = 500
	CodeRestartRequired    = 515
)

// IsLoggedOut reports whether code means the credentials were revoked.
func IsLoggedOut(code int) bool {
	switch code {
	case CodeUnauthorized, CodeForbidden, CodeUnknownLogout:
		return true
	default:
		return false
	}
}
