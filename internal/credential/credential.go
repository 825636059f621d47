// Package credential fetches the page session's access token and classifies
// the response.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tokenbridge/tokenbridge/internal/protocol"
)

var (
	ErrTimeout           = errors.New("timeout")
	ErrMissingCredential = errors.New("missing token/user")
)

// User is the session's user. Its id may arrive as a JSON string or number.
type User = protocol.User

// Record is one harvested credential. It is built per fetch and forwarded;
// nothing keeps it afterwards.
type Record struct {
	Token string
	User  User
	// Expiry is zero when the session gave no readable expiry.
	Expiry time.Time
	// RawExpires is the session's expires text as received.
	RawExpires string
	Account    json.RawMessage
}

// Expires is the expiry as forwarded to the relay. A parsed expiry is sent
// in wire format; text that did not parse goes out as received.
func (r *Record) Expires() string {
	if !r.Expiry.IsZero() {
		return protocol.Timestamp(r.Expiry)
	}
	return r.RawExpires
}

// Source returns the raw session body from wherever the page session lives.
type Source interface {
	Session(ctx context.Context) ([]byte, error)
}

// Fetcher produces a Record or a failure whose message is the reason sent
// to the relay.
type Fetcher interface {
	Fetch(ctx context.Context) (*Record, error)
}

// SourceFetcher applies a timeout to a Source and classifies its body.
type SourceFetcher struct {
	source  Source
	timeout time.Duration
}

// NewFetcher wraps source. A non-positive timeout means 10s.
func NewFetcher(source Source, timeout time.Duration) *SourceFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SourceFetcher{source: source, timeout: timeout}
}

func (f *SourceFetcher) Fetch(ctx context.Context) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, err := f.source.Session(ctx)
	if err != nil {
		if isTimeout(err) || ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return Classify(body)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type sessionBody struct {
	AccessToken string          `json:"accessToken"`
	User        *User           `json:"user"`
	Expires     string          `json:"expires"`
	Account     json.RawMessage `json:"account"`
}

// Classify turns a session response body into a Record. A body that is not
// JSON is a parse error; a body without an access token or a user id is
// ErrMissingCredential.
func Classify(body []byte) (*Record, error) {
	var s sessionBody
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if s.AccessToken == "" || s.User == nil || s.User.ID == "" {
		return nil, ErrMissingCredential
	}

	rec := &Record{
		Token:      s.AccessToken,
		User:       *s.User,
		RawExpires: s.Expires,
		Account:    s.Account,
	}
	if s.Expires == "" {
		rec.Expiry = tokenExpiry(s.AccessToken)
	} else if t, err := time.Parse(time.RFC3339, s.Expires); err == nil {
		rec.Expiry = t
	}
	return rec, nil
}

// tokenExpiry reads the exp claim of a JWT access token without verifying
// it. Opaque tokens yield the zero time.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
