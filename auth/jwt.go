package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"chatserver/errs"
	"chatserver/types"
)

func (a *Authority) signAccessToken(sess types.Session) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub": sess.UserID,
		"sid": sess.ID,
		"iat": now.Unix(),
		"exp": now.Add(a.accessTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authority) parseAccessToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, errs.New(errs.CodeTokenExpired, "access token expired")
		}
		return Claims{}, errs.New(errs.CodeTokenRevoked, "invalid access token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, errs.New(errs.CodeTokenRevoked, "invalid access token claims")
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)
	if sub == "" || sid == "" {
		return Claims{}, errs.New(errs.CodeTokenRevoked, "invalid access token claims")
	}
	return Claims{SessionID: sid, UserID: sub}, nil
}
