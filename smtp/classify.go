package smtp

// Classification of reply codes into transient and permanent failures. This is
// the single place holding that policy, so it stays auditable: 4xx is
// transient, 5xx is permanent, with exceptions listed in exceptions.

// Exceptions to the x00-class rule. 552 must be treated as a temporary error
// for historic reasons, some servers use(d) it instead of 452.
var exceptions = map[int]bool{
	C552MailboxFull: false, // permanent=false
}

// Permanent returns whether an SMTP reply code indicates a permanent failure.
// Success codes (2xx/3xx) are not failures and return false.
func Permanent(code int) bool {
	if p, ok := exceptions[code]; ok {
		return p
	}
	return code/100 == 5
}

// Transient returns whether an SMTP reply code indicates a transient failure
// that is worth retrying.
func Transient(code int) bool {
	if p, ok := exceptions[code]; ok {
		return !p
	}
	return code/100 == 4
}
