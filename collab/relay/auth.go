package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/bringyour/collab/collab"
)

var ErrUnauthorized = errors.New("Unauthorized")

// the identity of a connection
type relayUser struct {
	userId   string
	userName string
}

func requestToken(r *http.Request) string {
	if authorization := r.Header.Get("Authorization"); authorization != "" {
		if token, ok := strings.CutPrefix(authorization, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// authenticate verifies the token when a secret is configured.
// Without a secret the claims are read unverified.
func authenticate(r *http.Request, settings *RelaySettings) (*relayUser, error) {
	token := requestToken(r)

	anonymous := func() (*relayUser, error) {
		if !settings.AllowAnonymous {
			return nil, ErrUnauthorized
		}
		return &relayUser{
			userId: fmt.Sprintf("anon-%s", collab.NewId()),
		}, nil
	}

	if token == "" {
		return anonymous()
	}

	if 0 < len(settings.JwtSecret) {
		_, err := gojwt.Parse(
			token,
			func(token *gojwt.Token) (any, error) {
				return settings.JwtSecret, nil
			},
			gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}

	collabJwt, err := collab.ParseCollabJwtUnverified(token)
	if err != nil {
		if 0 < len(settings.JwtSecret) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		// opaque tokens are anonymous
		return anonymous()
	}
	userId := collabJwt.ClientId
	if userId == "" {
		userId = collabJwt.UserId
	}
	if userId == "" {
		return anonymous()
	}
	return &relayUser{
		userId:   userId,
		userName: collabJwt.UserName,
	}, nil
}

// SignToken creates an HS256 token with the claims clients read.
func SignToken(secret []byte, userId string, userName string, clientId string) (string, error) {
	claims := gojwt.MapClaims{
		"user_id": userId,
	}
	if userName != "" {
		claims["user_name"] = userName
	}
	if clientId != "" {
		claims["client_id"] = clientId
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}
