package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowchain/core/types"
	"escrowchain/observability/logging"
)

const clockSkew = 30 * time.Second

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid bearer token")
)

// authenticator verifies HS256 bearer tokens whose subject names the calling
// account. A nil authenticator trusts the caller named in the request.
type authenticator struct {
	secret []byte
}

func newAuthenticator(secret string) *authenticator {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &authenticator{secret: []byte(secret)}
}

func (a *authenticator) subject(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", errInvalidToken
	}
	raw := strings.TrimSpace(header[len("bearer "):])
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithLeeway(clockSkew), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", errInvalidToken
	}
	return sub, nil
}

// caller resolves the account a mutating request acts for. With
// authentication enabled the token subject wins and a conflicting from field
// is refused.
func (s *Server) caller(r *http.Request, from string) (types.ActorID, *rpcFailure) {
	from = strings.TrimSpace(from)
	if s.auth == nil {
		if from == "" {
			return types.ZeroActor, invalidParams("from is required")
		}
		id, err := types.ParseActorID(from)
		if err != nil {
			return types.ZeroActor, invalidParams("invalid from: %v", err)
		}
		return id, nil
	}
	sub, err := s.auth.subject(r)
	if err != nil {
		s.logger.Warn("rpc: authentication failed",
			"request", requestIDFrom(r.Context()),
			"remote", clientKey(r),
			"authorization", logging.MaskField("authorization", r.Header.Get("Authorization")),
			"error", err)
		return types.ZeroActor, failure(http.StatusUnauthorized, codeUnauthorized, err.Error(), nil)
	}
	id, err := types.ParseActorID(sub)
	if err != nil {
		return types.ZeroActor, failure(http.StatusUnauthorized, codeUnauthorized, "token subject is not an account", nil)
	}
	if from != "" {
		claimed, err := types.ParseActorID(from)
		if err != nil || claimed != id {
			return types.ZeroActor, failure(http.StatusForbidden, codeUnauthorized, "from does not match token subject", nil)
		}
	}
	return id, nil
}

// authorizeOperator gates administrative methods. Any valid token passes when
// authentication is enabled.
func (s *Server) authorizeOperator(r *http.Request) *rpcFailure {
	if s.auth == nil {
		return nil
	}
	if _, err := s.auth.subject(r); err != nil {
		return failure(http.StatusUnauthorized, codeUnauthorized, err.Error(), nil)
	}
	return nil
}
