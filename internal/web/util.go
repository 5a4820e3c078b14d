package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const tokenCost = 12

func JsonWrite(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("unable to encode response")
	}
}

func errorWrite(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	x, err := bcrypt.GenerateFromPassword([]byte(token), tokenCost)
	if err != nil {
		return "", err
	}
	return string(x), nil
}

// tokenVerify requires "Authorization: Bearer <token>" matching hash. An
// empty hash disables the check.
func tokenVerify(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected control request")
				errorWrite(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
