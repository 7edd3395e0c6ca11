package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/qmsforge/auditcore/internal/index"
	"github.com/qmsforge/auditcore/internal/session"
)

// cliSessionFile stores the session login/logout binds (spec section 6.3's
// set_session/clear_session) across separate auditctl invocations, since
// each subcommand runs as its own process and can't share package
// session's in-memory process-wide state with the next one.
func cliSessionFile(projectPath string) string {
	return filepath.Join(projectPath, ".auditctl-session.json")
}

func writeSessionFile(projectPath, userID, sessionID string) error {
	data, err := json.Marshal(session.Context{UserID: userID, SessionID: sessionID})
	if err != nil {
		return err
	}
	return os.WriteFile(cliSessionFile(projectPath), data, 0o600)
}

func clearSessionFile(projectPath string) error {
	err := os.Remove(cliSessionFile(projectPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// loadSessionFile returns the bound session for projectPath, if login has
// been run, else the zero Context.
func loadSessionFile(projectPath string) session.Context {
	data, err := os.ReadFile(cliSessionFile(projectPath))
	if err != nil {
		return session.Context{}
	}
	var sess session.Context
	if err := json.Unmarshal(data, &sess); err != nil {
		return session.Context{}
	}
	return sess
}

func indexQuery(user, action, entityType, entityID string) index.Query {
	q := index.Query{User: user, Action: action}
	if entityType != "" || entityID != "" {
		q.Entity = entityType + ":" + entityID
	}
	return q
}
