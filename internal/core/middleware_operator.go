package core

import (
	"crypto/sha256"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"notifypipe/internal/types"
)

const operatorKeyHeader = "X-Operator-Key"

// operatorKeyCache remembers the digest of the last key that matched, so a
// busy operator session does not pay a bcrypt comparison per request.
type operatorKeyCache struct {
	mu     sync.Mutex
	digest [sha256.Size]byte
	valid  bool
}

func (c *operatorKeyCache) hit(key string) bool {
	d := sha256.Sum256([]byte(key))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid && c.digest == d
}

func (c *operatorKeyCache) store(key string) {
	d := sha256.Sum256([]byte(key))
	c.mu.Lock()
	c.digest, c.valid = d, true
	c.mu.Unlock()
}

// RequireOperatorKey guards operator routes. The X-Operator-Key header is
// compared against the configured bcrypt hash. With no hash configured the
// operator surface is disabled and every request gets 401.
func (s *Server) RequireOperatorKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(operatorKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthOperatorKeyMissing, "X-Operator-Key header is required", nil))
			return
		}

		hash := s.Config.Security.OperatorKeyHash
		if !hash.IsSet() {
			Error(w, r, types.NewAppError(types.ErrCodeAuthOperatorKeyInvalid, "operator routes are disabled", nil))
			return
		}

		cache := &s.operatorKeys
		if !cache.hit(key) {
			if err := bcrypt.CompareHashAndPassword([]byte(hash.Unmask()), []byte(key)); err != nil {
				s.Logger.Warn("operator key rejected",
					slog.String("path", r.URL.Path),
					slog.String("client_ip", clientIP(r)),
				)
				Error(w, r, types.NewAppError(types.ErrCodeAuthOperatorKeyInvalid, "invalid operator key", nil))
				return
			}
			cache.store(key)
		}

		next.ServeHTTP(w, r)
	})
}
