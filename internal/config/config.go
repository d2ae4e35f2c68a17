// Package config owns the server's JSON configuration document:
// editable sections with per-field schemas, plus opaque keys such
// as the API key hash that are preserved across edits.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

const fileName = "config.json"

// ErrValidation marks section-update rejections. Callers map it
// to a 400 rather than a 500.
var ErrValidation = errors.New("invalid configuration")

// Environment overrides. Each shadows the config field of the
// same meaning without rewriting the file.
const (
	EnvConfigDir         = "CLAUDE_HISTORY_CONFIG_DIR"
	EnvDBPath            = "CLAUDE_HISTORY_DB"
	EnvPort              = "PORT"
	EnvHeartbeatEnabled  = "HEARTBEAT_ENABLED"
	EnvHeartbeatInterval = "HEARTBEAT_INTERVAL_MS"
	EnvHeartbeatWorkDir  = "HEARTBEAT_WORKING_DIR"
)

const (
	SectionHeartbeat = "heartbeat"
	SectionSecurity  = "security"
	SectionLogging   = "logging"
)

// MinHeartbeatIntervalMs is the floor for the heartbeat interval.
const MinHeartbeatIntervalMs = 60000

// DefaultHeartbeatIntervalMs is used when the config carries none.
const DefaultHeartbeatIntervalMs = 30 * 60 * 1000

// Service reads and writes the config document. Reads go to disk
// lazily; writes are read-modify-write under one mutex so
// concurrent updates cannot drop keys.
type Service struct {
	path string

	mu        sync.Mutex
	onChanged func(section string)
}

// DefaultDir resolves the configuration directory, honoring the
// environment override.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".claude-history-server"), nil
}

func NewService(dir string) *Service {
	return &Service{path: filepath.Join(dir, fileName)}
}

// Path returns the config file location.
func (s *Service) Path() string { return s.path }

// SetOnChanged installs the callback fired after a successful
// section update.
func (s *Service) SetOnChanged(fn func(section string)) {
	s.mu.Lock()
	s.onChanged = fn
	s.mu.Unlock()
}

// EditableSectionNames returns the closed set of sections the API
// may read and write.
func (s *Service) EditableSectionNames() []string {
	return []string{SectionHeartbeat, SectionSecurity, SectionLogging}
}

func (s *Service) load() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return doc, nil
}

// save writes the document atomically via a temp-file rename.
func (s *Service) save(doc map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// AllEditableSections returns every editable section present in
// the document. Opaque keys like apiKeyHash are never exposed.
func (s *Service) AllEditableSections() (map[string]map[string]any, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := map[string]map[string]any{}
	for _, name := range s.EditableSectionNames() {
		if sec, ok := doc[name].(map[string]any); ok {
			out[name] = sec
		} else {
			out[name] = map[string]any{}
		}
	}
	return out, nil
}

// Section returns one editable section. ok is false for unknown
// section names.
func (s *Service) Section(name string) (map[string]any, bool, error) {
	if !s.isEditable(name) {
		return nil, false, nil
	}
	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}
	if sec, ok := doc[name].(map[string]any); ok {
		return sec, true, nil
	}
	return map[string]any{}, true, nil
}

func (s *Service) isEditable(name string) bool {
	for _, n := range s.EditableSectionNames() {
		if n == name {
			return true
		}
	}
	return false
}

// UpdateSection validates patch against the section schema and
// merges it into the document. Untouched top-level keys, including
// apiKeyHash, are preserved. Fires the change callback on success.
func (s *Service) UpdateSection(name string, patch map[string]any) error {
	if !s.isEditable(name) {
		return fmt.Errorf("%w: unknown section %q", ErrValidation, name)
	}
	if err := validatePatch(name, patch); err != nil {
		return err
	}

	s.mu.Lock()
	callback := s.onChanged
	err := func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		sec, _ := doc[name].(map[string]any)
		if sec == nil {
			sec = map[string]any{}
		}
		for k, v := range patch {
			sec[k] = v
		}
		doc[name] = sec
		return s.save(doc)
	}()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if callback != nil {
		callback(name)
	}
	return nil
}

func validatePatch(section string, patch map[string]any) error {
	// Deterministic error messages regardless of map order.
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		value := patch[field]
		if err := validateField(section, field, value); err != nil {
			return err
		}
	}
	return nil
}

func validateField(section, field string, value any) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrValidation,
			fmt.Sprintf(format, args...))
	}

	switch section {
	case SectionHeartbeat:
		switch field {
		case "enabled":
			if _, ok := value.(bool); !ok {
				return bad("heartbeat.enabled must be a boolean")
			}
		case "intervalMs":
			n, ok := asInt(value)
			if !ok {
				return bad("heartbeat.intervalMs must be an integer")
			}
			if n < MinHeartbeatIntervalMs {
				return bad("heartbeat.intervalMs must be at least %d",
					MinHeartbeatIntervalMs)
			}
		case "workingDirectory":
			if _, ok := value.(string); !ok {
				return bad("heartbeat.workingDirectory must be a string")
			}
		case "maxItems":
			n, ok := asInt(value)
			if !ok || n < 0 {
				return bad("heartbeat.maxItems must be a non-negative integer")
			}
		default:
			return bad("unknown field heartbeat.%s", field)
		}
	case SectionSecurity:
		switch field {
		case "allowedWorkingDirs":
			list, ok := value.([]any)
			if !ok {
				return bad("security.allowedWorkingDirs must be an array")
			}
			for _, el := range list {
				str, ok := el.(string)
				if !ok || str == "" {
					return bad("security.allowedWorkingDirs entries" +
						" must be non-empty strings")
				}
			}
		default:
			return bad("unknown field security.%s", field)
		}
	case SectionLogging:
		switch field {
		case "requestLogLevel":
			str, ok := value.(string)
			if !ok || (str != "all" && str != "errors-only" && str != "off") {
				return bad("logging.requestLogLevel must be one of" +
					" all, errors-only, off")
			}
		default:
			return bad("unknown field logging.%s", field)
		}
	}
	return nil
}

// asInt accepts the numeric shapes a JSON decode can produce and
// requires an integral value.
func asInt(value any) (int64, bool) {
	switch n := value.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// APIKeyHash returns the stored key hash, empty when auth is not
// configured.
func (s *Service) APIKeyHash() (string, error) {
	doc, err := s.load()
	if err != nil {
		return "", err
	}
	hash, _ := doc["apiKeyHash"].(string)
	return hash, nil
}

// SetAPIKeyHash stores a new key hash plus its creation time,
// preserving everything else in the document.
func (s *Service) SetAPIKeyHash(hash string, createdAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc["apiKeyHash"] = hash
	doc["apiKeyCreatedAt"] = createdAt
	return s.save(doc)
}

// HeartbeatSettings is the heartbeat section with defaults and
// environment overrides applied.
type HeartbeatSettings struct {
	Enabled          bool   `json:"enabled"`
	IntervalMs       int64  `json:"intervalMs"`
	WorkingDirectory string `json:"workingDirectory"`
	MaxItems         int    `json:"maxItems"`
}

// Heartbeat returns the effective heartbeat settings.
func (s *Service) Heartbeat() (HeartbeatSettings, error) {
	sec, _, err := s.Section(SectionHeartbeat)
	if err != nil {
		return HeartbeatSettings{}, err
	}

	hs := HeartbeatSettings{IntervalMs: DefaultHeartbeatIntervalMs}
	if v, ok := sec["enabled"].(bool); ok {
		hs.Enabled = v
	}
	if v, ok := asInt(sec["intervalMs"]); ok && v >= MinHeartbeatIntervalMs {
		hs.IntervalMs = v
	}
	if v, ok := sec["workingDirectory"].(string); ok {
		hs.WorkingDirectory = v
	}
	if v, ok := asInt(sec["maxItems"]); ok && v >= 0 {
		hs.MaxItems = int(v)
	}

	if env := os.Getenv(EnvHeartbeatEnabled); env != "" {
		if v, err := strconv.ParseBool(env); err == nil {
			hs.Enabled = v
		}
	}
	if env := os.Getenv(EnvHeartbeatInterval); env != "" {
		if v, err := strconv.ParseInt(env, 10, 64); err == nil &&
			v >= MinHeartbeatIntervalMs {
			hs.IntervalMs = v
		}
	}
	if env := os.Getenv(EnvHeartbeatWorkDir); env != "" {
		hs.WorkingDirectory = env
	}
	return hs, nil
}

// AllowedWorkingDirs returns the security allowlist.
func (s *Service) AllowedWorkingDirs() ([]string, error) {
	sec, _, err := s.Section(SectionSecurity)
	if err != nil {
		return nil, err
	}
	list, _ := sec["allowedWorkingDirs"].([]any)
	var dirs []string
	for _, el := range list {
		if str, ok := el.(string); ok && str != "" {
			dirs = append(dirs, str)
		}
	}
	return dirs, nil
}

// RequestLogLevel returns the logging knob, defaulting to "all".
func (s *Service) RequestLogLevel() string {
	sec, _, err := s.Section(SectionLogging)
	if err != nil {
		return "all"
	}
	if v, ok := sec["requestLogLevel"].(string); ok {
		switch v {
		case "all", "errors-only", "off":
			return v
		}
	}
	return "all"
}
