package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/queue/internal/enum"
)

// GuestTokenTTL bounds how long a guest can act on the order they placed.
const GuestTokenTTL = 12 * time.Hour

type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
	// PublicID is set only on guest tokens and names the one order the
	// bearer owns.
	PublicID string `json:"public_id,omitempty"`
	jwt.RegisteredClaims
}

// IsStaff reports whether the claims may operate the preparation queue.
func (c *Claims) IsStaff() bool {
	return c.Role == enum.UserRoleStaff || c.Role == enum.UserRoleAdmin
}

func GenerateToken(secret string, userID uuid.UUID, role string) (string, error) {
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// GenerateGuestToken issues a token that identifies the guest who placed the
// order with the given public id.
func GenerateGuestToken(secret, publicID string) (string, error) {
	claims := Claims{
		Role:     enum.UserRoleGuest,
		PublicID: publicID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   publicID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(GuestTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(secret, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
