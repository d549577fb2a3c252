// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

type ctxKey int

const sessionKey ctxKey = 0

func sessionFrom(r *http.Request) (session, bool) {
	s, ok := r.Context().Value(sessionKey).(session)
	return s, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// requireSession rejects requests without a live session token.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			WriteError(w, errors.New(errors.KindAuthentication, "missing bearer token"))
			return
		}
		sess, ok := s.sessions.lookup(token)
		if !ok {
			WriteError(w, errors.New(errors.KindAuthentication, "invalid or expired session"))
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, errors.New(errors.KindValidation, "malformed login body"))
		return
	}

	user, err := s.store.Authenticate(req.Username, req.Password)
	if err != nil {
		s.audit(r, req.Username, "login", "session", false)
		WriteError(w, err)
		return
	}

	token := s.sessions.create(user.Username, user.Role)
	s.audit(r, user.Username, "login", "session", true)
	WriteJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"username": user.Username,
		"role":     user.Role,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		s.sessions.revoke(token)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r)
	WriteJSON(w, http.StatusOK, map[string]any{
		"username": sess.username,
		"role":     sess.role,
	})
}

// audit records a user-initiated action; failures only log.
func (s *Server) audit(r *http.Request, username, action, resource string, success bool) {
	if s.store == nil {
		return
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	err := s.store.AppendAudit(store.AuditEntry{
		Username: username,
		Action:   action,
		Resource: resource,
		Success:  success,
		IP:       ip,
	})
	if err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}
