package auth

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// User is the signed-in identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is a signed-in user's token pair.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// Event is an auth state transition.
type Event int

const (
	SignedIn Event = iota + 1
	SignedOut
	TokenRefreshed
)

func (e Event) String() string {
	switch e {
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	default:
		return "UNKNOWN"
	}
}

// Transition reports an Event. Session is nil for SignedOut.
type Transition struct {
	Event   Event
	Session *Session
}

// tokenResponse is the body of a successful token grant.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

type accessClaims struct {
	Email     string
	Subject   string
	ExpiresAt time.Time
}

// parseAccessToken reads the claims of an access token without verifying it.
// The backend verifies tokens; the client only needs the expiry and email.
func parseAccessToken(token string) (*accessClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	c := &accessClaims{}
	if email, ok := claims["email"].(string); ok {
		c.Email = email
	}
	if sub, err := claims.GetSubject(); err == nil {
		c.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

func (r *tokenResponse) session(now time.Time) *Session {
	s := &Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		User:         r.User,
	}

	claims, err := parseAccessToken(r.AccessToken)
	if err == nil {
		if s.User.Email == "" {
			s.User.Email = claims.Email
		}
		if s.User.ID == "" {
			s.User.ID = claims.Subject
		}
	}

	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0)
	case err == nil && !claims.ExpiresAt.IsZero():
		s.ExpiresAt = claims.ExpiresAt
	case r.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return s
}
