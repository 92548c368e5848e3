package target

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/module"
)

// SanitizeForHeader strips newlines so untrusted values cannot inject
// header fields.
func SanitizeForHeader(raw string) string {
	return strings.ReplaceAll(raw, "\n", "")
}

// GenerateReceived renders the Received header value describing how the
// message identified by msgMeta reached this host.
//
// Hostnames and the envelope sender are encoded per RFC 6531 Section 3.7.3,
// so the A-label or the U-label form is chosen based on whether the message
// is being carried over SMTPUTF8.
func GenerateReceived(ctx context.Context, msgMeta *module.MsgMetadata, ourHostname, mailFrom string) (string, error) {
	if msgMeta.Conn == nil {
		return "", errors.New("can't generate Received for a locally generated message")
	}

	var received strings.Builder
	// Typical values fit in this much, give or take the client hostname.
	received.Grow(256 + len(msgMeta.Conn.Hostname))

	fromSMTP := strings.Contains(msgMeta.Conn.Proto, "SMTP") ||
		strings.Contains(msgMeta.Conn.Proto, "LMTP")
	if fromSMTP && !msgMeta.DontTraceSender {
		writeFromClause(ctx, &received, msgMeta)
	}

	if ourName, err := dns.SelectIDNA(msgMeta.SMTPOpts.UTF8, ourHostname); err == nil {
		received.WriteString(" by ")
		received.WriteString(SanitizeForHeader(ourName))
	}

	if sender, err := address.SelectIDNA(msgMeta.SMTPOpts.UTF8, mailFrom); err == nil {
		received.WriteString(" (envelope-sender <")
		received.WriteString(SanitizeForHeader(sender))
		received.WriteString(">)")
	}

	if msgMeta.Conn.Proto != "" {
		received.WriteString(" with ")
		if msgMeta.SMTPOpts.UTF8 {
			received.WriteString("UTF8")
		}
		received.WriteString(msgMeta.Conn.Proto)
	}

	received.WriteString(" id ")
	received.WriteString(msgMeta.ID)
	received.WriteString("; ")
	received.WriteString(time.Now().Format(time.RFC1123Z))

	return received.String(), nil
}

// writeFromClause appends the "from <helo> (<rdns> [<ip>])" part. Pieces
// that are unavailable or fail IDNA conversion are left out rather than
// failing the whole header.
func writeFromClause(ctx context.Context, received *strings.Builder, msgMeta *module.MsgMetadata) {
	if heloName, err := dns.SelectIDNA(msgMeta.SMTPOpts.UTF8, msgMeta.Conn.Hostname); err == nil {
		received.WriteString("from ")
		received.WriteString(heloName)
	}

	tcpAddr, ok := msgMeta.Conn.RemoteAddr.(*net.TCPAddr)
	if !ok {
		return
	}

	received.WriteString(" (")
	if msgMeta.Conn.RDNSName != nil {
		rdnsName, err := msgMeta.Conn.RDNSName.GetContext(ctx)
		if err == nil && rdnsName != nil && rdnsName.(string) != "" {
			if encoded, err := dns.SelectIDNA(msgMeta.SMTPOpts.UTF8, rdnsName.(string)); err == nil {
				received.WriteString(encoded)
				received.WriteRune(' ')
			}
		}
	}
	received.WriteRune('[')
	received.WriteString(tcpAddr.IP.String())
	received.WriteString("])")
}
