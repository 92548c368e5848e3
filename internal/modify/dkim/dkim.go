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

// Package dkim implements the outbound DKIM signer. It is a message
// modifier that computes the signature over the buffered message and
// prepends the DKIM-Signature field to the header.
package dkim

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime/trace"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/dns"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/target"
	"golang.org/x/net/idna"
)

const Day = 86400 * time.Second

var (
	// Fields signed with an extra "empty" instance so a downstream party
	// cannot add one without breaking the signature.
	oversignDefault = []string{
		// Directly visible to the user.
		"Subject",
		"Sender",
		"To",
		"Cc",
		"From",
		"Date",

		// Affects body processing.
		"MIME-Version",
		"Content-Type",
		"Content-Transfer-Encoding",

		// Affects user interaction.
		"Reply-To",
		"In-Reply-To",
		"Message-Id",
		"References",

		// Provide additional security benefit for OpenPGP.
		"Autocrypt",
		"Openpgp",
	}
	signDefault = []string{
		// Mailing list information. Not oversigned to prevent signature
		// breakage by aliasing MLMs.
		"List-Id",
		"List-Help",
		"List-Unsubscribe",
		"List-Post",
		"List-Owner",
		"List-Archive",

		// Not oversigned since it can be prepended by intermediate relays.
		"Resent-To",
		"Resent-Sender",
		"Resent-Message-Id",
		"Resent-Date",
		"Resent-From",
		"Resent-Cc",
	}
)

// Opts sets up the signer. Domains and Selector are required, everything
// else has defaults matching common practice (relaxed/relaxed
// canonicalization, SHA-256, 5 day signature expiry).
type Opts struct {
	// Domains to sign for. The key for the message is picked by the
	// envelope sender domain, the first listed domain is used for the null
	// return path.
	Domains  []string
	Selector string

	// KeyPathTemplate is the path to the PEM-encoded private key with
	// {domain} and {selector} placeholders. A missing key is generated
	// using NewKeyAlgo and the corresponding TXT record is written next to
	// it.
	KeyPathTemplate string
	NewKeyAlgo      string

	OversignFields []string
	SignFields     []string
	HeaderCanon    dkim.Canonicalization
	BodyCanon      dkim.Canonicalization
	SigExpiry      time.Duration
}

func (o *Opts) fillDefaults() error {
	if len(o.Domains) == 0 {
		return errors.New("sign_dkim: at least one domain is needed")
	}
	if o.Selector == "" {
		return errors.New("sign_dkim: selector is not specified")
	}
	if o.KeyPathTemplate == "" {
		o.KeyPathTemplate = "dkim_keys/{domain}_{selector}.key"
	}
	if o.NewKeyAlgo == "" {
		o.NewKeyAlgo = "rsa2048"
	}
	if o.OversignFields == nil {
		o.OversignFields = oversignDefault
	}
	if o.SignFields == nil {
		o.SignFields = signDefault
	}
	if o.HeaderCanon == "" {
		o.HeaderCanon = dkim.CanonicalizationRelaxed
	}
	if o.BodyCanon == "" {
		o.BodyCanon = dkim.CanonicalizationRelaxed
	}
	if o.SigExpiry == 0 {
		o.SigExpiry = 5 * Day
	}
	return nil
}

type Modifier struct {
	domains        []string
	selector       string
	signers        map[string]crypto.Signer
	oversignHeader []string
	signHeader     []string
	headerCanon    dkim.Canonicalization
	bodyCanon      dkim.Canonicalization
	sigExpiry      time.Duration
	hash           crypto.Hash

	log log.Logger
}

func New(opts Opts, logger log.Logger) (*Modifier, error) {
	if err := opts.fillDefaults(); err != nil {
		return nil, err
	}

	m := &Modifier{
		domains:        opts.Domains,
		selector:       opts.Selector,
		signers:        map[string]crypto.Signer{},
		oversignHeader: opts.OversignFields,
		signHeader:     opts.SignFields,
		headerCanon:    opts.HeaderCanon,
		bodyCanon:      opts.BodyCanon,
		sigExpiry:      opts.SigExpiry,
		hash:           crypto.SHA256,
		log:            logger,
	}

	for _, domain := range m.domains {
		if err := m.initDomain(domain, opts.KeyPathTemplate, opts.NewKeyAlgo); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Modifier) initDomain(domain, keyPathTemplate, newKeyAlgo string) error {
	if _, err := idna.ToASCII(domain); err != nil {
		m.log.Printf("warning: unable to convert domain %s to A-labels form, non-EAI messages will not be signed: %v", domain, err)
	}

	keyPath := strings.NewReplacer(
		"{domain}", domain, "{selector}", m.selector).Replace(keyPathTemplate)

	signer, newKey, err := m.loadOrGenerateKey(keyPath, newKeyAlgo)
	if err != nil {
		return err
	}

	if newKey {
		dnsPath := keyPath + ".dns"
		if filepath.Ext(keyPath) == ".key" {
			dnsPath = keyPath[:len(keyPath)-4] + ".dns"
		}
		m.log.Printf("generated a new %s keypair, private key is in %s, TXT record with public key is in %s,\n"+
			"put its contents into TXT record for %s._domainkey.%s to make signing and verification work",
			newKeyAlgo, keyPath, dnsPath, m.selector, domain)
	}

	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		return fmt.Errorf("sign_dkim: unable to normalize domain %s: %w", domain, err)
	}
	m.signers[normDomain] = signer
	return nil
}

func (m *Modifier) Name() string {
	return "sign_dkim"
}

func (m *Modifier) InstanceName() string {
	return m.selector
}

func (m *Modifier) fieldsToSign(h *textproto.Header) []string {
	// go-msgauth panics on duplicated entries in HeaderKeys, hence the
	// seen set.
	seen := make(map[string]struct{})
	res := make([]string, 0, len(m.oversignHeader)+len(m.signHeader))

	appendOnce := func(key string, oversign bool) {
		lower := strings.ToLower(key)
		if _, ok := seen[lower]; ok {
			return
		}
		seen[lower] = struct{}{}

		// One signing list entry per occurrence of the field.
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		// Plus one to cover a field that is not there yet.
		if oversign {
			res = append(res, key)
		}
	}

	for _, key := range m.oversignHeader {
		appendOnce(key, true)
	}
	for _, key := range m.signHeader {
		appendOnce(key, false)
	}
	return res
}

type state struct {
	m    *Modifier
	meta *module.MsgMetadata
	from string
	log  log.Logger
}

func (m *Modifier) ModStateForMsg(ctx context.Context, msgMeta *module.MsgMetadata) (module.ModifierState, error) {
	return &state{
		m:    m,
		meta: msgMeta,
		log:  target.DeliveryLogger(m.log, msgMeta),
	}, nil
}

func (s *state) RewriteSender(ctx context.Context, mailFrom string) (string, error) {
	s.from = mailFrom
	return mailFrom, nil
}

func (s *state) RewriteRcpt(ctx context.Context, rcptTo string) ([]string, error) {
	return []string{rcptTo}, nil
}

// signingDomain picks the signing domain for the envelope sender. The
// null return path (<>) and a bare <postmaster> map to the first
// configured domain.
func (s *state) signingDomain() (string, error) {
	if s.from == "" {
		return s.m.domains[0], nil
	}
	_, domain, err := address.Split(s.from)
	if err != nil {
		return "", err
	}
	if domain == "" {
		return s.m.domains[0], nil
	}
	return domain, nil
}

func modErr(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{"modifier": "sign_dkim"})
}

func (s *state) RewriteBody(ctx context.Context, h *textproto.Header, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "sign_dkim/RewriteBody").End()

	domain, err := s.signingDomain()
	if err != nil {
		return err
	}
	selector := s.m.selector

	normDomain, err := dns.ForLookup(domain)
	if err != nil {
		s.log.Error("unable to normalize domain from envelope sender", err, "domain", domain)
		return nil
	}
	keySigner := s.m.signers[normDomain]
	if keySigner == nil {
		s.log.Msg("no key for domain", "domain", normDomain)
		return nil
	}

	// Non-EAI messages are not allowed to carry U-label domains, attempt
	// to convert.
	if !s.meta.SMTPOpts.UTF8 {
		var err error
		domain, err = idna.ToASCII(domain)
		if err != nil {
			return nil
		}

		selector, err = idna.ToASCII(selector)
		if err != nil {
			return nil
		}
	}

	opts := dkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Identifier:             "@" + domain,
		Signer:                 keySigner,
		Hash:                   s.m.hash,
		HeaderCanonicalization: s.m.headerCanon,
		BodyCanonicalization:   s.m.bodyCanon,
		HeaderKeys:             s.m.fieldsToSign(h),
	}
	if s.m.sigExpiry != 0 {
		opts.Expiration = time.Now().Add(s.m.sigExpiry)
	}
	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return modErr(err)
	}
	if err := textproto.WriteHeader(signer, *h); err != nil {
		signer.Close()
		return modErr(err)
	}
	r, err := body.Open()
	if err != nil {
		signer.Close()
		return modErr(err)
	}
	defer r.Close()
	if _, err := io.Copy(signer, r); err != nil {
		signer.Close()
		return modErr(err)
	}

	if err := signer.Close(); err != nil {
		return modErr(err)
	}

	h.AddRaw([]byte(signer.Signature()))

	s.m.log.DebugMsg("signed", "domain", domain)

	return nil
}

func (s *state) Close() error {
	return nil
}
