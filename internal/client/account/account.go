// Package account models the server account an upload batch runs against:
// base URL, credentials and the capability set advertised by the server.
package account

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/bulksync/internal/common"
)

// Capabilities is the subset of the server capability document the upload
// pipeline consults.
type Capabilities struct {
	// SupportedChecksumTypes lists checksum types the server accepts as
	// transmission checksums, e.g. ["SHA1", "MD5"].
	SupportedChecksumTypes []string

	// UploadChecksumType is the type to compute when the content checksum
	// type is not in SupportedChecksumTypes.
	UploadChecksumType string

	// HTTPErrorCodesThatResetFailingChunkedUploads lists HTTP status codes
	// that count toward resetting a stored upload record.
	HTTPErrorCodesThatResetFailingChunkedUploads []int
}

// SupportsChecksumType reports whether the server accepts typ as a
// transmission checksum.
func (c Capabilities) SupportsChecksumType(typ string) bool {
	return slices.Contains(c.SupportedChecksumTypes, typ)
}

// ResetsFailingUploads reports whether httpCode counts toward the
// reset-on-repeat policy.
func (c Capabilities) ResetsFailingUploads(httpCode int) bool {
	return slices.Contains(c.HTTPErrorCodesThatResetFailingChunkedUploads, httpCode)
}

// Account holds the connection parameters of one server account.
type Account struct {
	BaseURL      *url.URL
	User         string
	Capabilities Capabilities

	HTTPClient *http.Client

	token    string
	password string
}

// New builds an Account for the given base URL.
func New(baseURL, user string, caps Capabilities) (*Account, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	return &Account{
		BaseURL:      u,
		User:         user,
		Capabilities: caps,
		HTTPClient:   &http.Client{},
	}, nil
}

// SetBearerToken installs the OAuth bearer token used on outbound requests.
func (a *Account) SetBearerToken(token string) {
	a.token = token
}

// SetPassword installs an app password used when no bearer token is set.
func (a *Account) SetPassword(password string) {
	a.password = password
}

// Authorize attaches the account credentials to req. A bearer token wins
// over basic auth.
func (a *Account) Authorize(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
		return
	}
	if a.password != "" {
		req.SetBasicAuth(a.User, a.password)
	}
}

// DavBulkURL returns the bulk upload endpoint of this account.
func (a *Account) DavBulkURL() string {
	return strings.TrimRight(a.BaseURL.String(), "/") + "/remote.php/dav/bulk"
}

// TokenExpiresWithin inspects the bearer token's exp claim without verifying
// the signature and reports whether it expires within d. Tokens without an
// exp claim never expire. Returns common.ErrInvalidToken when the token is
// not a parseable JWT.
func (a *Account) TokenExpiresWithin(d time.Duration) (bool, error) {
	if a.token == "" {
		return false, nil
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(a.token, claims); err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if exp == nil {
		return false, nil
	}

	return time.Until(exp.Time) < d, nil
}
