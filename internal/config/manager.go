package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "newsbot/pkg/logx"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Manager owns the current config and republishes it when the file changes.
// A reload is committed only if it parses and passes Validate.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log.With(logx.String("comp", "config"))}
}

func (m *Manager) Path() string { return m.path }

// SetLogger swaps the bootstrap logger for the configured one. Call it
// before Watch.
func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		return
	}
	m.log = log.With(logx.String("comp", "config"))
}

// Parse reads and decodes the file without committing it. Unknown fields and
// trailing data are errors.
func (m *Manager) Parse() (*Config, uint64, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	jb, format, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, 0, err
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, 0, fmt.Errorf("decode %s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data")
		}
		return nil, 0, fmt.Errorf("decode %s config: %w", format, err)
	}
	return &cfg, hashConfig(&cfg), nil
}

// hashConfig fingerprints the decoded config, so formatting-only edits do
// not trigger a reload.
func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, h, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, h)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives each committed reload. Slow
// subscribers lose older versions, never the newest.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(1, buffer))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, s := range m.subs {
				if s == ch {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload is the debounced reaction to a file event.
func (m *Manager) reload() {
	cfg, h, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.mu.RLock()
	old, same := m.cfg, h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.commit(cfg, h)
	sections, fields := SummarizeChange(old, cfg)
	m.log.Info("config reloaded", append(fields, logx.String("sections", strings.Join(sections, ",")))...)
	m.publish(cfg)
}

// Watch follows the config file's directory, so editors that replace the
// file by rename are seen too. The watcher is recreated with jittered
// backoff when fsnotify breaks. Returns when ctx ends.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() == nil {
				m.reload()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	wait := func(reason string, err error) bool {
		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, restartBackoffMax)
		m.log.Warn(reason, logx.String("dir", dir), logx.Duration("backoff", d), logx.Err(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !wait("config watcher init failed", err) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !wait("config watch add failed", err) {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		err = m.follow(ctx, w, file, debounce)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !wait("config watcher stopped, restarting", err) {
			return nil
		}
	}
	return nil
}

// follow pumps one watcher until it breaks or ctx ends.
func (m *Manager) follow(ctx context.Context, w *fsnotify.Watcher, file string, changed func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow, forcing reload")
				changed()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
