package sites

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	logx "signbot/pkg/logx"
)

// AnswerCache remembers solved captcha answers across runs. Handlers that
// solve quiz-style captchas key answers by the captcha image name so a
// repeated image skips the lookup round-trip.
type AnswerCache interface {
	Get(key string) (string, bool)
	Put(key, value string)
}

// FileAnswerCache persists answers as one JSON document. Each handler gets
// its own file, so there is no cross-handler contention.
type FileAnswerCache struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	loaded  bool
	answers map[string]string
}

func NewFileAnswerCache(path string, log logx.Logger) *FileAnswerCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileAnswerCache{log: log, path: path}
}

func (c *FileAnswerCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	v, ok := c.answers[key]
	return v, ok
}

func (c *FileAnswerCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	c.answers[key] = value

	data, err := json.Marshal(c.answers)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.log.Warn("answer cache dir", logx.String("path", c.path), logx.Err(err))
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.log.Warn("answer cache write", logx.String("path", c.path), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.log.Warn("answer cache rename", logx.String("path", c.path), logx.Err(err))
	}
}

func (c *FileAnswerCache) loadLocked() {
	if c.loaded {
		return
	}
	c.loaded = true
	c.answers = make(map[string]string)
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &c.answers); err != nil {
		c.log.Warn("answer cache unreadable, starting fresh",
			logx.String("path", c.path), logx.Err(err))
		c.answers = make(map[string]string)
	}
}
