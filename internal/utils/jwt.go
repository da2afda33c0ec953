package utils

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var jwtSecret []byte

func init() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "your-secret-key" // Default for development
	}
	jwtSecret = []byte(secret)
}

// SetJWTSecret overrides the secret read from the environment.
func SetJWTSecret(secret string) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
}

// UserClaims identifies the user behind a websocket connection.
type UserClaims struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SignUserToken issues an HS256 token for userID.
func SignUserToken(userID, name string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &UserClaims{UserID: userID, Name: name}).SignedString(jwtSecret)
}

// ValidateUserToken validates a JWT token and returns the claims
func ValidateUserToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims := token.Claims.(*UserClaims)
	if claims.UserID == "" {
		return nil, errors.New("token has no userId")
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}
	return authHeader[7:], nil
}

// TokenFromRequest reads the token from ?token= (browsers cannot set headers
// on a websocket handshake) or from the Authorization header.
func TokenFromRequest(r *http.Request) (string, error) {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, nil
	}
	return ExtractTokenFromHeader(r.Header.Get("Authorization"))
}
