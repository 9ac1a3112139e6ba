package api

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
)

const noStore = "no-store, no-cache, must-revalidate, private"

// errorHandler answers a panicking handler with a 500 and closes the
// connection. http.ErrAbortHandler is passed on to net/http untouched.
func (s *Server) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			err := panicError(v)
			if errors.Is(err, http.ErrAbortHandler) {
				panic(v)
			}

			s.log.Printf("panic: %s %s: %v\n%s", r.Method, r.URL.Path, err, debug.Stack())
			w.Header().Set("Connection", "close")
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
		}()

		next.ServeHTTP(w, r)
	})
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}

// authMiddleware resolves the session token to a user id. Everything behind
// it carries patient data, so responses are marked uncacheable.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId, err := s.authenticate(r)
		if err != nil {
			s.unauthorized(w, r, err)
			return
		}

		w.Header().Set("Cache-Control", noStore)
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}

func (s *Server) authenticate(r *http.Request) (int, error) {
	token, err := tokenFromRequest(r)
	if err != nil {
		return 0, err
	}
	return s.extractUserIdFromToken(token)
}

// unauthorized logs rejected tokens; a request without any token is routine
// and stays quiet.
func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, errNoToken) {
		s.log.Printf("%s %s: rejected session token: %v", r.Method, r.URL.Path, err)
	}

	w.Header().Set("WWW-Authenticate", `Bearer realm="hermes"`)
	errResp := NewUnauthorizedError()
	s.writeJson(w, errResp.StatusCode, errResp)
}
