// Package signedlink mints and verifies tamper-evident URLs. A link carries an
// expires parameter and an HMAC-SHA256 signature over its path and query, so
// no server-side state is needed to check it.
package signedlink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/org/soaportal/internal/crypto"
)

const (
	ParamExpires   = "expires"
	ParamSignature = "signature"
)

var (
	// ErrInvalidLink is the parent of every verification failure.
	ErrInvalidLink = errors.New("invalid or expired link")
	// ErrInvalidSignature means the link was not minted by this issuer or was altered.
	ErrInvalidSignature = fmt.Errorf("%w: bad signature", ErrInvalidLink)
	// ErrLinkExpired means the signature is valid but the embedded expiry has passed.
	ErrLinkExpired = fmt.Errorf("%w: expired", ErrInvalidLink)
)

// Issuer signs and verifies links rooted at a public base URL.
type Issuer struct {
	base *url.URL
	key  []byte
	now  func() time.Time
}

// NewIssuer derives the signing key from secret and returns an Issuer whose
// links are rooted at baseURL (scheme and host, e.g. "https://billing.example.com").
func NewIssuer(baseURL string, secret []byte) (*Issuer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing public base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("public base url %q must include scheme and host", baseURL)
	}
	key, err := crypto.DeriveKey(secret, crypto.ContextLinkSigning)
	if err != nil {
		return nil, err
	}
	return &Issuer{base: u, key: key, now: time.Now}, nil
}

// WithClock replaces the time source used by Verify.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue returns an absolute URL for route with params, an expires parameter and
// a signature. The caller's params are not modified.
func (i *Issuer) Issue(route string, params url.Values, expiry time.Time) (string, error) {
	if !strings.HasPrefix(route, "/") {
		return "", fmt.Errorf("route %q must be absolute", route)
	}
	q := url.Values{}
	for k, vs := range params {
		if k == ParamSignature || k == ParamExpires {
			return "", fmt.Errorf("parameter %q is reserved", k)
		}
		q[k] = append([]string(nil), vs...)
	}
	q.Set(ParamExpires, strconv.FormatInt(expiry.Unix(), 10))
	q.Set(ParamSignature, i.sign(route, q))

	u := *i.base
	u.Path = i.base.Path + route
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks the signature of u and then its expiry.
func (i *Issuer) Verify(u *url.URL) error {
	q := u.Query()
	sig, err := hex.DecodeString(q.Get(ParamSignature))
	if err != nil || len(sig) != sha256.Size {
		return ErrInvalidSignature
	}
	q.Del(ParamSignature)

	path := strings.TrimPrefix(u.Path, i.base.Path)
	want, _ := hex.DecodeString(i.sign(path, q))
	if !hmac.Equal(sig, want) {
		return ErrInvalidSignature
	}

	exp, err := strconv.ParseInt(q.Get(ParamExpires), 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if i.now().Unix() > exp {
		return ErrLinkExpired
	}
	return nil
}

// sign computes the MAC over route and the canonical encoding of q without the
// signature parameter. url.Values.Encode sorts by key.
func (i *Issuer) sign(route string, q url.Values) string {
	unsigned := url.Values{}
	for k, vs := range q {
		if k != ParamSignature {
			unsigned[k] = vs
		}
	}
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(route + "?" + unsigned.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}
