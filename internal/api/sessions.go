// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const sessionTTL = 24 * time.Hour

type session struct {
	username string
	role     string
	expires  time.Time
}

// sessionManager holds bearer sessions in memory. Sessions do not
// survive a restart; operators log in again.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]session
}

func newSessionManager() *sessionManager {
	return &sessionManager{sessions: map[string]session{}}
}

func (m *sessionManager) create(username, role string) string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = session{username: username, role: role, expires: time.Now().Add(sessionTTL)}
	return token
}

func (m *sessionManager) lookup(token string) (session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return session{}, false
	}
	if time.Now().After(s.expires) {
		delete(m.sessions, token)
		return session{}, false
	}
	return s, true
}

func (m *sessionManager) revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}
