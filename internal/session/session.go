// Package session defines the session handle and on-disk layout.
//
// A session is the unit of coordination: one plan file, one lock file, one
// lock-info file, and one directory of queue-entry files. The handle is an
// explicit value passed into every operation; there is no process-global
// "current session".
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/plansync/internal/model"
	yamlutil "github.com/msageha/plansync/internal/yaml"
)

type Session struct {
	Dir string
}

func New(dir string) Session {
	return Session{Dir: dir}
}

func (s Session) PlanPath() string      { return filepath.Join(s.Dir, "plan.yaml") }
func (s Session) ConfigPath() string    { return filepath.Join(s.Dir, "config.yaml") }
func (s Session) LockPath() string      { return filepath.Join(s.Dir, "locks", "session.lock") }
func (s Session) LockInfoPath() string  { return filepath.Join(s.Dir, "locks", "session.lock.info.yaml") }
func (s Session) QueueDir() string      { return filepath.Join(s.Dir, "queue") }
func (s Session) DeadlockPath() string  { return filepath.Join(s.Dir, "deadlock.yaml") }
func (s Session) HistoryDir() string    { return filepath.Join(s.Dir, "history") }
func (s Session) LogsDir() string       { return filepath.Join(s.Dir, "logs") }
func (s Session) AuditLogPath() string  { return filepath.Join(s.Dir, "logs", "audit.jsonl") }

func (s Session) EntryPath(entryID string) string {
	return filepath.Join(s.QueueDir(), entryID+".yaml")
}

// Exists reports whether the session has been initialized. A config left
// behind without its plan still counts: Init must never overwrite it.
func (s Session) Exists() bool {
	for _, path := range []string{s.PlanPath(), s.ConfigPath()} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// Init creates the session directory structure, a default config, and an
// empty plan at version 0. It fails if the session already exists.
func Init(dir, projectName string) (Session, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return Session{}, fmt.Errorf("resolve session dir: %w", err)
	}
	s := New(absDir)

	if s.Exists() {
		return Session{}, fmt.Errorf("session already initialized at %s", absDir)
	}

	subdirs := []string{
		"queue",
		"locks",
		"logs",
		"history",
		"quarantine",
	}
	for _, d := range subdirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return Session{}, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	cfg := model.DefaultConfig(projectName)
	if err := yamlutil.AtomicWrite(s.ConfigPath(), cfg); err != nil {
		return Session{}, fmt.Errorf("write config: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	state := model.NewSessionState(now)
	if err := yamlutil.AtomicWrite(s.PlanPath(), state); err != nil {
		return Session{}, fmt.Errorf("write initial plan: %w", err)
	}

	return s, nil
}

// LoadConfig reads the session config, applying defaults for missing
// fields. A missing config file yields the full defaults.
func (s Session) LoadConfig() (model.Config, error) {
	var cfg model.Config
	if err := yamlutil.ReadInto(s.ConfigPath(), &cfg); err != nil {
		if os.IsNotExist(err) {
			return model.DefaultConfig(filepath.Base(s.Dir)), nil
		}
		return model.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeader(s.ConfigPath(), model.ConfigFileType); err != nil {
		return model.Config{}, fmt.Errorf("config %s: %w", s.ConfigPath(), err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
