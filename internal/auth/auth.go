// Package auth implements the EchoLink proxy's challenge/response handshake:
// nonce issuance, expected-digest computation, client reply parsing, and
// callsign allow/deny authorization.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// NonceSource supplies the 32-bit random values nonces are derived from.
// The default implementation draws from crypto/rand; tests may substitute
// a deterministic source.
type NonceSource interface {
	Uint32() (uint32, error)
}

type cryptoRandSource struct{}

func (cryptoRandSource) Uint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, fmt.Errorf("auth: reading random bytes: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// DefaultNonceSource is the crypto/rand-backed NonceSource used outside of tests.
var DefaultNonceSource NonceSource = cryptoRandSource{}

// Outcome classifies a completed authorization attempt for the audit log
// and for the Client Worker's error taxonomy.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeBadPassword   Outcome = "bad_password"
	OutcomeNotAuthorized Outcome = "not_authorized"
	OutcomeProtocolError Outcome = "protocol_error"
)

// ErrProtocol is wrapped by any error caused by a malformed handshake, as
// opposed to a correctly formed but rejected one.
var ErrProtocol = errors.New("auth: protocol violation")

const (
	maxCallsignLen    = 10
	responseDigestLen = 16
)

// nonceReplayWindow bounds how long a nonce is remembered for replay
// detection; a real client always responds within a few seconds of
// receiving its challenge.
const nonceReplayWindow = 30 * time.Second

// Authorizer runs the nonce/digest handshake and callsign authorization
// against a configured password and allow/deny regular expressions.
type Authorizer struct {
	password string
	allow    *regexp.Regexp
	deny     *regexp.Regexp
	nonces   NonceSource

	issued *gocache.Cache
}

// New builds an Authorizer. allowPattern/denyPattern may be empty to
// disable that half of the callsign check.
func New(password, allowPattern, denyPattern string) (*Authorizer, error) {
	a := &Authorizer{
		password: password,
		nonces:   DefaultNonceSource,
		issued:   gocache.New(nonceReplayWindow, nonceReplayWindow*2),
	}

	if allowPattern != "" {
		re, err := regexp.Compile(allowPattern)
		if err != nil {
			return nil, fmt.Errorf("auth: compiling allow pattern: %w", err)
		}
		a.allow = re
	}
	if denyPattern != "" {
		re, err := regexp.Compile(denyPattern)
		if err != nil {
			return nil, fmt.Errorf("auth: compiling deny pattern: %w", err)
		}
		a.deny = re
	}

	return a, nil
}

// NewNonce draws a fresh 32-bit value and renders it as exactly 8 lowercase
// hex characters, the bytes sent to the client as the challenge.
func (a *Authorizer) NewNonce() (string, error) {
	v, err := a.nonces.Uint32()
	if err != nil {
		return "", err
	}
	nonce := fmt.Sprintf("%08x", v)
	a.issued.SetDefault(nonce, struct{}{})
	return nonce, nil
}

// nonceIsFresh reports whether nonce was issued by this Authorizer and
// hasn't already been consumed or expired, then consumes it. A client that
// takes longer than nonceReplayWindow to reply is treated the same as one
// that never replies.
func (a *Authorizer) nonceIsFresh(nonce string) bool {
	if _, found := a.issued.Get(nonce); !found {
		return false
	}
	a.issued.Delete(nonce)
	return true
}

// ExpectedResponse computes the MD5 digest a correctly-configured client
// must send back for the given nonce: MD5(upper(password) ++ nonce), where
// "upper" folds only ASCII a-z, per the wire protocol's case-folding rule.
func (a *Authorizer) ExpectedResponse(nonce string) [responseDigestLen]byte {
	return ExpectedResponse(a.password, nonce)
}

// ExpectedResponse is the free-function form of Authorizer.ExpectedResponse,
// exposed so it can be property-tested against fixed test vectors without
// constructing a full Authorizer.
func ExpectedResponse(password, nonce string) [responseDigestLen]byte {
	upper := make([]byte, len(password))
	for i := 0; i < len(password); i++ {
		c := password[i]
		if c >= 'a' && c <= 'z' {
			c -= 32
		}
		upper[i] = c
	}
	return md5.Sum(append(upper, nonce...))
}

// ClientReply is the parsed form of the client's handshake response.
type ClientReply struct {
	Callsign string
	Response [responseDigestLen]byte
}

// ReadClientReply parses "CALLSIGN\nMD5[16]" from r, keeping the source
// protocol's read pattern: it reads 16 bytes, scans the first 11 for the
// newline that terminates the callsign, then reads (idx+1) further bytes so
// that a total of 16+idx+1 bytes are consumed, which is exactly the length
// of "callsign\n" plus the 16-byte digest. The last 16 bytes read are the
// digest; nothing past the reply is read from r.
func ReadClientReply(r io.Reader) (ClientReply, error) {
	buf := make([]byte, responseDigestLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ClientReply{}, fmt.Errorf("%w: reading initial 16 bytes: %v", ErrProtocol, err)
	}

	idx := -1
	scanLen := maxCallsignLen + 1
	if scanLen > len(buf) {
		scanLen = len(buf)
	}
	for i := 0; i < scanLen; i++ {
		if buf[i] == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ClientReply{}, fmt.Errorf("%w: callsign exceeds %d characters or is missing its terminator", ErrProtocol, maxCallsignLen)
	}

	rest := make([]byte, idx+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return ClientReply{}, fmt.Errorf("%w: reading remaining %d bytes: %v", ErrProtocol, idx+1, err)
	}

	full := append(buf, rest...)
	var digest [responseDigestLen]byte
	copy(digest[:], full[len(full)-responseDigestLen:])

	return ClientReply{
		Callsign: string(full[:idx]),
		Response: digest,
	}, nil
}

// Handshake performs the full challenge/response exchange over conn: it
// issues a nonce, reads the client's reply, and reports whether the
// digest and callsign are acceptable. It does not close the connection or
// send failure frames; that's the Client Worker's job, since it also has
// to route the outcome to the audit log.
func (a *Authorizer) Handshake(rw io.ReadWriter) (callsign string, outcome Outcome, err error) {
	nonce, err := a.NewNonce()
	if err != nil {
		return "", OutcomeProtocolError, err
	}
	if _, err := rw.Write([]byte(nonce)); err != nil {
		return "", OutcomeProtocolError, fmt.Errorf("auth: sending nonce: %w", err)
	}

	reply, err := ReadClientReply(rw)
	if err != nil {
		return "", OutcomeProtocolError, err
	}

	if !a.nonceIsFresh(nonce) {
		return reply.Callsign, OutcomeProtocolError, fmt.Errorf("%w: nonce already consumed", ErrProtocol)
	}

	expected := a.ExpectedResponse(nonce)
	if reply.Response != expected {
		return reply.Callsign, OutcomeBadPassword, nil
	}

	if !a.Allow(reply.Callsign) {
		return reply.Callsign, OutcomeNotAuthorized, nil
	}

	return reply.Callsign, OutcomeOK, nil
}

// Allow implements the callsign authorization rule: allowed iff (deny is
// absent or doesn't match) AND (allow is absent or matches). A malformed
// regex was already rejected at construction, so the only remaining
// failure mode covered here is the fail-closed default when an allow list
// is configured but doesn't match.
func (a *Authorizer) Allow(callsign string) bool {
	if a.deny != nil && a.deny.MatchString(callsign) {
		return false
	}
	if a.allow != nil && !a.allow.MatchString(callsign) {
		return false
	}
	return true
}
