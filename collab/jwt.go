package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims carried by the collab access token
// the signature is verified by the server, clients only read the claims
type CollabJwt struct {
	UserId   string
	UserName string
	ClientId string
}

func ParseCollabJwtUnverified(jwt string) (*CollabJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	collabJwt := &CollabJwt{}

	if userId, ok := claims["user_id"]; ok {
		collabJwt.UserId = fmt.Sprintf("%v", userId)
	} else if sub, ok := claims["sub"]; ok {
		collabJwt.UserId = fmt.Sprintf("%v", sub)
	}
	if userName, ok := claims["user_name"]; ok {
		collabJwt.UserName = fmt.Sprintf("%v", userName)
	}
	if clientId, ok := claims["client_id"]; ok {
		collabJwt.ClientId = fmt.Sprintf("%v", clientId)
	}

	return collabJwt, nil
}

// ClientIdFromJwt falls back to the user id when the token has no client id.
func ClientIdFromJwt(jwt string) (string, error) {
	collabJwt, err := ParseCollabJwtUnverified(jwt)
	if err != nil {
		return "", err
	}
	if collabJwt.ClientId != "" {
		return collabJwt.ClientId, nil
	}
	if collabJwt.UserId != "" {
		return collabJwt.UserId, nil
	}
	return "", fmt.Errorf("Token has no client or user id.")
}
