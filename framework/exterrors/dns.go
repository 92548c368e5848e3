package exterrors

import (
	"net"
)

// UnwrapDNSErr extracts the reason string out of a *net.DNSError. The
// returned map is always non-nil so callers can add their own fields to
// it without checking.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	misc = map[string]interface{}{}

	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		return "", misc
	}

	// The server address and the queried name rarely add anything useful,
	// leave them out.
	return dnsErr.Err, misc
}
