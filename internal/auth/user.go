package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields we read from a JWT credential.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// User is who the credential says we are.
type User struct {
	ID        string
	Email     string
	Name      string
	ExpiresAt time.Time
	Anonymous bool
}

func (u User) Display() string {
	switch {
	case u.Anonymous:
		return "anonymous"
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	}
	return u.ID
}

// CurrentUser reads the user out of token without checking its signature;
// the agent verifies it on connect. Opaque tokens yield an anonymous user.
func CurrentUser(token string) User {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return User{Anonymous: true}
	}
	u := User{ID: claims.Subject, Email: claims.Email, Name: claims.Name}
	if claims.ExpiresAt != nil {
		u.ExpiresAt = claims.ExpiresAt.Time
	}
	if u.ID == "" && u.Email == "" {
		u.Anonymous = true
	}
	return u
}
