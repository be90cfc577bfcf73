package jwtauth

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type userInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}
	return json.Unmarshal(b, ref)
}
