package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/apptnegotiation/libs/httpx"
)

// Identity headers the services read the caller from.
const (
	HeaderRole     = "X-Role"
	HeaderUserID   = "X-User-Id"
	HeaderClinicID = "X-Clinic-Id"
	HeaderDoctorID = "X-Doctor-Id"
)

// Verifier checks bearer tokens. RS256 tokens with a kid are checked against
// the JWKS when one is configured; everything else falls back to HS256.
type Verifier struct {
	secret string
	jwks   *JWKSClient
}

func NewVerifier(secret string, jwks *JWKSClient) *Verifier {
	return &Verifier{secret: secret, jwks: jwks}
}

func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if v.jwks != nil {
		header, err := ParseHeader(token)
		if err != nil {
			return nil, err
		}
		if header.Alg == "RS256" && header.Kid != "" {
			pub, err := v.jwks.Get(ctx, header.Kid)
			if err != nil {
				return nil, ErrInvalidToken
			}
			return VerifyRS256(token, pub)
		}
	}
	if v.secret == "" {
		return nil, ErrInvalidToken
	}
	return ParseAndVerifyHS256(token, v.secret)
}

// Middleware replaces any client supplied identity headers with the verified
// claims. Requests without a valid bearer token get 401.
func (v *Verifier) Middleware() httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if !strings.HasPrefix(authHeader, "Bearer ") || token == "" {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid Authorization header")
				return
			}
			claims, err := v.Verify(r.Context(), token)
			if err != nil {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			for _, h := range []string{HeaderRole, HeaderUserID, HeaderClinicID, HeaderDoctorID} {
				r.Header.Del(h)
			}
			r.Header.Set(HeaderRole, claims.Role)
			r.Header.Set(HeaderUserID, claims.Sub)
			if claims.ClinicID != "" {
				r.Header.Set(HeaderClinicID, claims.ClinicID)
			}
			if claims.DoctorID != "" {
				r.Header.Set(HeaderDoctorID, claims.DoctorID)
			}
			next.ServeHTTP(w, r)
		})
	}
}
