// Package local provides a file-backed host for desktop linux.
// The host state lives in a YAML file, which is edited by the CLI to approve
// or enable the filter.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/host"
	"github.com/safing/portgate/service/mgr"
)

// Extension is the extension this host installs.
var Extension = host.ExtensionInfo{
	Identifier: "io.safing.portgate.interceptor",
	Version:    "1.0.0",
}

// State is the content of the host state file.
type State struct {
	Installed bool                `yaml:"installed"`
	Approved  bool                `yaml:"approved"`
	Rejected  bool                `yaml:"rejected,omitempty"`
	Enabled   bool                `yaml:"enabled"`
	Extension *host.ExtensionInfo `yaml:"extension,omitempty"`
}

// ReadState reads the state file. A missing file is an empty state.
func ReadState(path string) (State, error) {
	var s State
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// UpdateState applies fn to the state file. Updates are serialized, also
// across processes, with a lock file next to the state file.
func UpdateState(path string, fn func(s *State)) error {
	_, _, err := updateState(path, fn)
	return err
}

func updateState(path string, fn func(s *State)) (State, []byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o0755); err != nil {
		return State{}, nil, err
	}

	fileLock := flock.New(path + ".lock")
	if err := fileLock.Lock(); err != nil {
		return State{}, nil, fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() {
		_ = fileLock.Unlock()
	}()

	s, err := ReadState(path)
	if err != nil {
		return s, nil, err
	}
	fn(&s)
	data, err := writeState(path, s)
	return s, data, err
}

// writeState atomically writes the state file.
func writeState(path string, s State) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o0644); err != nil { //nolint:gosec
		return nil, err
	}
	return data, os.Rename(tmp, path)
}

// Host implements host.Configuration and host.Extensions on a state file.
type Host struct {
	mgr          *mgr.Manager
	path         string
	pollInterval time.Duration

	lock     sync.Mutex
	state    State
	enabled  bool
	lastSeen []byte

	configChanged *mgr.EventMgr[struct{}]
}

var (
	_ host.Configuration = &Host{}
	_ host.Extensions    = &Host{}
)

// New returns a host using the state file at path.
func New(path string, pollInterval time.Duration) *Host {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	m := mgr.New("LocalHost")
	return &Host{
		mgr:           m,
		path:          path,
		pollInterval:  pollInterval,
		configChanged: mgr.NewEventMgr[struct{}]("host config changed", m),
	}
}

// Manager returns the module manager.
func (h *Host) Manager() *mgr.Manager {
	return h.mgr
}

// Start starts watching the state file.
func (h *Host) Start() error {
	h.lock.Lock()
	h.lastSeen, _ = os.ReadFile(h.path)
	h.lock.Unlock()

	h.mgr.Repeat("watch host state", h.pollInterval, h.checkForChanges)
	return nil
}

// Stop stops watching the state file.
func (h *Host) Stop() error {
	return nil
}

func (h *Host) checkForChanges(_ *mgr.WorkerCtx) error {
	data, err := os.ReadFile(h.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	h.lock.Lock()
	changed := !bytes.Equal(data, h.lastSeen)
	h.lastSeen = data
	h.lock.Unlock()

	if changed {
		log.Debugf("host/local: %s changed", h.path)
		h.configChanged.Submit(struct{}{})
	}
	return nil
}

// ConfigChanged implements host.Configuration.
func (h *Host) ConfigChanged() *mgr.EventMgr[struct{}] {
	return h.configChanged
}

// Load implements host.Configuration.
func (h *Host) Load(_ context.Context) error {
	s, err := ReadState(h.path)
	if err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	h.state = s
	h.enabled = s.Enabled
	return nil
}

// Installed implements host.Configuration.
func (h *Host) Installed() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.state.Installed
}

// Enabled implements host.Configuration.
func (h *Host) Enabled() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.enabled
}

// SetEnabled implements host.Configuration.
func (h *Host) SetEnabled(enabled bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.enabled = enabled
}

// Save implements host.Configuration.
func (h *Host) Save(_ context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	// Only the enabled flag is owned by the configuration.
	enabled := h.enabled
	s, data, err := updateState(h.path, func(s *State) {
		s.Enabled = enabled
	})
	if err != nil {
		return err
	}
	h.state = s
	// Do not report our own change.
	h.lastSeen = data
	return nil
}

// Activate implements host.Extensions.
// The extension is installed right away. Activation finishes once the
// state file is marked as approved.
func (h *Host) Activate(_ context.Context, delegate host.ActivationDelegate) error {
	s, err := ReadState(h.path)
	if err != nil {
		return err
	}

	if s.Extension != nil && *s.Extension != Extension {
		if delegate.ReplaceExtension(*s.Extension, Extension) != host.ReplacementReplace {
			h.mgr.Go("report activation", func(_ *mgr.WorkerCtx) error {
				delegate.ActivationFailed(host.ErrReplaceCanceled)
				return nil
			})
			return nil
		}
	}

	err = UpdateState(h.path, func(s *State) {
		s.Installed = true
		s.Rejected = false
		ext := Extension
		s.Extension = &ext
	})
	if err != nil {
		return err
	}

	h.mgr.Go("activate extension", func(w *mgr.WorkerCtx) error {
		h.awaitApproval(w, delegate)
		return nil
	})
	return nil
}

func (h *Host) awaitApproval(w *mgr.WorkerCtx, delegate host.ActivationDelegate) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	askedForApproval := false
	for {
		s, err := ReadState(h.path)
		switch {
		case err != nil:
			delegate.ActivationFailed(err)
			return
		case s.Rejected:
			delegate.ActivationFailed(host.ErrActivationRejected)
			return
		case s.Approved:
			delegate.ActivationFinished(host.ActivationCompleted)
			return
		case !askedForApproval:
			askedForApproval = true
			delegate.NeedsUserApproval()
		}

		select {
		case <-ticker.C:
		case <-w.Done():
			return
		}
	}
}
