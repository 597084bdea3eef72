// Package auth issues and verifies the bearer tokens that scope API calls
// and channel joins to a single restaurant.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrMissingRestaurantID = errors.New("missing restaurant_id in claims")
	ErrMissingSecret       = errors.New("signing secret is empty")
)

const issuer = "orderdesk"

// Claims carries the restaurant a staff token is bound to.
type Claims struct {
	jwt.RegisteredClaims
	RestaurantID string `json:"restaurant_id"`
}

// Issue signs an HS256 token for subject, valid for ttl.
func Issue(secret, subject, restaurantID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	if restaurantID == "" {
		return "", ErrMissingRestaurantID
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		RestaurantID: restaurantID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse verifies tokenString and returns its claims.
func Parse(secret, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.RestaurantID == "" {
		return nil, ErrMissingRestaurantID
	}
	return claims, nil
}
