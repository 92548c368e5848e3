/*
Marid - composable mail transfer and authentication engine.
Copyright © 2021-2024 The Marid Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package smtpconn wraps the go-smtp client connection with error
// translation into the exterrors representation, debug logging, optional
// STARTTLS negotiation and SMTPUTF8/IDNA address handling.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime/trace"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
)

// C is a single outbound SMTP session. It is not reusable once closed.
type C struct {
	// Dialer to use to estabilish new network connections. Set to net.Dialer
	// DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA, STARTTLS).
	// Set to 5 mins by New.
	CommandTimeout time.Duration

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Timeout for the final dot. Set to 12 mins by New.
	// (see go-smtp source for explanation of used defaults).
	SubmissionTimeout time.Duration

	// Hostname to sent in the EHLO/HELO command. Set to
	// 'localhost.localdomain' by New. Expected to be encoded in ACE form.
	Hostname string

	// tls.Config to use. Can be nil if no special changes are required.
	TLSConfig *tls.Config

	// Logger to use for debug log and certain errors.
	Log log.Logger

	// Include the remote server address in SMTP status messages in the form
	// "ADDRESS said: ..."
	AddrInSMTPMsg bool

	serverName string
	cl         *smtp.Client
	rcpts      []string
}

// New returns a C with defaults suitable for MX-to-MX transfers.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
	}
}

// Endpoint describes the remote server address to connect to.
type Endpoint struct {
	// Scheme is either "tcp" or "tls" (Implicit TLS).
	Scheme string
	Host   string
	Port   string
}

func (endp Endpoint) IsTLS() bool {
	return endp.Scheme == "tls"
}

func (endp Endpoint) Network() string {
	return "tcp"
}

func (endp Endpoint) Address() string {
	return net.JoinHostPort(endp.Host, endp.Port)
}

// TLSError is returned by Connect to indicate the error during STARTTLS
// command execution.
//
// If the endpoint uses Implicit TLS, TLS errors are threated as connection
// errors and thus are not returned as TLSError.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

func (c *C) wrapSMTPErr(err *smtp.SMTPError, serverName string) error {
	msg := err.Message
	if c.AddrInSMTPMsg {
		msg = serverName + " said: " + err.Message
	}

	if err.Code == 552 {
		err.Code = 452
		err.EnhancedCode[0] = 4
		c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
	}

	return &exterrors.SMTPError{
		Code:         err.Code,
		EnhancedCode: exterrors.EnhancedCode(err.EnhancedCode),
		Message:      msg,
		Misc: map[string]interface{}{
			"remote_server": serverName,
		},
		Err: err,
	}
}

func (c *C) wrapNetErr(err *net.OpError) error {
	if _, ok := err.Err.(*net.DNSError); ok {
		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["remote_server"] = err.Addr
		misc["io_op"] = err.Op
		return &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 450, 550),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{0, 4, 4}),
			Message:      "DNS error",
			Err:          err,
			Reason:       reason,
			Misc:         misc,
		}
	}
	return &exterrors.SMTPError{
		Code:         450,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
		Message:      "Network I/O error",
		Err:          err,
		Misc: map[string]interface{}{
			"remote_addr": err.Addr,
			"io_op":       err.Op,
		},
	}
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	switch err := err.(type) {
	case TLSError:
		return err
	case *exterrors.SMTPError:
		return err
	case *smtp.SMTPError:
		return c.wrapSMTPErr(err, serverName)
	case *net.OpError:
		return c.wrapNetErr(err)
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// Connect dials the remote host, greets it with EHLO/HELO and, when asked
// to, upgrades the session with STARTTLS.
func (c *C) Connect(ctx context.Context, endp Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	didTLS, cl, err := c.attemptConnect(ctx, endp, starttls, tlsConfig)
	if err != nil {
		return false, c.wrapClientErr(err, endp.Host)
	}

	c.serverName = endp.Host
	c.cl = cl
	return didTLS, nil
}

func (c *C) dial(ctx context.Context, endp Endpoint, tlsConfig *tls.Config) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	conn, err := c.Dialer(dialCtx, endp.Network(), endp.Address())
	if err != nil {
		return nil, err
	}

	if endp.IsTLS() {
		cfg := tlsConfig.Clone()
		cfg.ServerName = endp.Host
		conn = tls.Client(conn, cfg)
	}
	return conn, nil
}

func (c *C) attemptConnect(ctx context.Context, endp Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, cl *smtp.Client, err error) {
	conn, err := c.dial(ctx, endp, tlsConfig)
	if err != nil {
		return false, nil, err
	}

	cl = smtp.NewClient(conn)
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	// i18n: hostname is already expected to be in A-labels form.
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return false, nil, err
	}

	if endp.IsTLS() || !starttls {
		return endp.IsTLS(), cl, nil
	}

	if ok, _ := cl.Extension("STARTTLS"); !ok {
		return false, cl, nil
	}

	cfg := tlsConfig.Clone()
	cfg.ServerName = endp.Host
	if err := cl.StartTLS(cfg); err != nil {
		// The connection state is unknown after a failed handshake. Still
		// attempt a clean QUIT in case the failure happened above the
		// transport (e.g. certificate verification), without logging it.
		if err := cl.Quit(); err != nil {
			cl.Close()
		}

		return false, nil, TLSError{err}
	}

	return true, cl, nil
}

// toASCII converts addr to its all-ASCII form for servers that lack
// SMTPUTF8, wrapping the failure into the given SMTP reply.
func (c *C) toASCII(addr string, code int, message string) (string, error) {
	converted, err := address.ToASCII(addr)
	if err != nil {
		return "", &exterrors.SMTPError{
			Code:         code,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      message,
			Misc: map[string]interface{}{
				"remote_server": c.serverName,
			},
			Err: err,
		}
	}
	return converted, nil
}

// Mail sends the MAIL FROM command to the remote server.
//
// SIZE and REQUIRETLS options are forwarded as-is. SMTPUTF8 is forwarded
// when the remote server supports it, otherwise the sender address is
// converted to its ASCII form and the command fails if that is impossible.
func (c *C) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	// Copy fields individually so that future go-smtp extension options are
	// not forwarded blindly.
	outOpts := smtp.MailOptions{
		Size:       opts.Size,
		RequireTLS: opts.RequireTLS,
	}

	// Non-ASCII addresses without the SMTPUTF8 flag never get this far,
	// endpoint/smtp rejects them.
	if opts.UTF8 {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			outOpts.UTF8 = true
		} else {
			var err error
			from, err = c.toASCII(from, 550, "SMTPUTF8 is unsupported, cannot convert sender address")
			if err != nil {
				return err
			}
		}
	}

	if err := c.cl.Mail(from, &outOpts); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	c.Log.DebugMsg("connected", "remote_server", c.serverName)
	return nil
}

// Rcpts returns the list of recipients that were accepted by the remote server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

func (c *C) Client() *smtp.Client {
	return c.cl
}

// Rcpt sends the RCPT TO command to the remote server.
//
// If the address is non-ASCII and cannot be converted to ASCII and the remote
// server does not support SMTPUTF8, error will be returned.
func (c *C) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	// If necessary, the extension flag is enabled in Start.
	if ok, _ := c.cl.Extension("SMTPUTF8"); !address.IsASCII(to) && !ok {
		var err error
		to, err = c.toASCII(to, 553, "SMTPUTF8 is unsupported, cannot convert recipient address")
		if err != nil {
			return err
		}
	}

	if err := c.cl.Rcpt(to, &smtp.RcptOptions{}); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	c.rcpts = append(c.rcpts, to)

	return nil
}

// Data streams the message header and body to the remote server.
//
// If it fails midway, the session may be stuck inside the data stream and is
// not safe to use for further commands.
func (c *C) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if _, err := io.Copy(wc, body); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	return nil
}

func (c *C) Noop() error {
	if c.cl == nil {
		return errors.New("smtpconn: not connected")
	}

	return c.cl.Noop()
}

// Close sends the QUIT command, if it fail - it directly closes the
// connection.
func (c *C) Close() error {
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, c.serverName))
		return c.cl.Close()
	}

	c.cl = nil
	c.serverName = ""

	return nil
}

// DirectClose closes the underlying connection without sending the QUIT
// command.
func (c *C) DirectClose() error {
	c.cl.Close()
	c.cl = nil
	c.serverName = ""
	return nil
}
