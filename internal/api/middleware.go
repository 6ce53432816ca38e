package api

import (
	"fmt"
	"net/http"
)

func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Errorw("panic", "err", panicError, "method", r.Method, "path", r.URL.Path)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeError(w, errResp)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFromRequest(r)
		if err != nil {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		userId, err := s.extractUserIdFromToken(tokenString)
		if err != nil {
			s.log.Infow("failed to extract user id from token", "err", err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		ctx := WithUserId(r.Context(), userId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
