package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// RoleOperator may read the queue, reset items and run resyncs.
const RoleOperator = "operator"

type JwtCustomClaim struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

var errJwtSecretMissing = errors.New("API_SECRET is not configured")

func jwtSecret() ([]byte, error) {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return nil, errJwtSecretMissing
	}
	return []byte(secret), nil
}

func JwtGenerate(subject string, role string, lifespan time.Duration) (string, error) {
	secret, err := jwtSecret()
	if err != nil {
		return "", err
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		Role: role,
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			ExpiresAt: time.Now().Add(lifespan).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})

	return t.SignedString(secret)
}

func JwtValidate(token string) (*jwt.Token, error) {
	secret, err := jwtSecret()
	if err != nil {
		return nil, err
	}
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
}
