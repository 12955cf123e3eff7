package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicecloud/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for JwtMiddelware
type JwtMiddlewareBuilder struct {
	// Secret is the shared HMAC secret of the identity provider. Mandatory.
	Secret []byte
	// Issuer is the accepted issuer for the token. If empty, any issuer is accepted.
	Issuer string
}

// Claims are the claims we read from the identity provider's token
type Claims struct {
	EMail string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// NewJwtMiddelware returns a middleware handler to validate
// JWT bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header. The user of the
// resulting authorization is the email claim, or the subject if there is no email.
//
// It will return http.StatusUnauthorized when a token is available but invalid. Requests
// without a token pass through without authorization.
func NewJwtMiddelware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if len(jmb.Secret) == 0 {
		panic("Secret is missing")
	}
	authCache := NewAuthorizationCache()

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return jmb.Secret, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth := authCache.Read(tokenString)
			if auth == nil {
				claims := Claims{}
				token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
				if err == nil && !token.Valid {
					err = errors.New("token is not valid")
				}
				if err == nil && jmb.Issuer != "" && claims.Issuer != jmb.Issuer {
					err = fmt.Errorf("unexpected issuer %s", claims.Issuer)
				}
				user := claims.EMail
				if user == "" {
					user = claims.Subject
				}
				if err == nil && user == "" {
					err = errors.New("token carries no identity")
				}
				if err != nil {
					logger.FromContext(r.Context()).WithError(err).Info("rejected bearer token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				auth = &Authorization{User: user, Roles: claims.Roles}
				if claims.ExpiresAt == nil {
					// tokens with an expiry are verified on every use
					authCache.Write(tokenString, auth)
				}
			}

			ctx, _ := logger.ContextWithUser(r.Context(), auth.User)
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) == 0 || bearer == "null" {
		return ""
	}
	if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
		return bearer[7:]
	}
	return bearer
}
