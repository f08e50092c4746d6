package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/api"
	"github.com/safing/portgate/service/eventlog"
	"github.com/safing/portgate/service/interceptor/nfq"
	"github.com/safing/portgate/service/policy/storage"
)

// ServiceConfig configures the controller and the interceptor.
type ServiceConfig struct {
	DataDir string `yaml:"dataDir"`

	LogToStdout bool   `yaml:"logToStdout"`
	LogDir      string `yaml:"logDir"`
	LogLevel    string `yaml:"logLevel"`

	// SocketPath is the relay endpoint served by the interceptor.
	SocketPath string `yaml:"socketPath"`
	// APIAddress is a loopback TCP address or "unix:<path>".
	APIAddress string `yaml:"apiAddress"`

	PolicyBackend string `yaml:"policyBackend"`

	EventLogSize int  `yaml:"eventLogSize"`
	EventHistory bool `yaml:"eventHistory"`

	// DecisionTimeout lets a flow pass if the controller does not decide in
	// time. Zero waits until the controller replies or goes away.
	DecisionTimeout time.Duration `yaml:"decisionTimeout"`
	QueueNumber     uint16        `yaml:"queueNumber"`

	HostStateFile    string        `yaml:"hostStateFile"`
	HostPollInterval time.Duration `yaml:"hostPollInterval"`
}

// Init applies defaults and checks the config.
func (sc *ServiceConfig) Init() error {
	// Check directories.
	switch runtime.GOOS {
	case "windows":
		// Fall back to defaults.
		if sc.DataDir == "" {
			sc.DataDir = filepath.FromSlash("$ProgramData/Portgate")
		}
		if sc.LogDir == "" {
			sc.LogDir = filepath.Join(sc.DataDir, "logs")
		}
		if sc.SocketPath == "" {
			sc.SocketPath = filepath.Join(sc.DataDir, "relay.sock")
		}

	case "linux":
		// Fall back to defaults.
		if sc.DataDir == "" {
			sc.DataDir = "/var/lib/portgate"
		}
		if sc.LogDir == "" {
			sc.LogDir = "/var/log/portgate"
		}
		if sc.SocketPath == "" {
			sc.SocketPath = "/run/portgate/relay.sock"
		}

	default:
		// Fail if not configured on other platforms.
		if sc.DataDir == "" {
			return errors.New("data directory must be configured - auto-detection not supported on this platform")
		}
		if !sc.LogToStdout && sc.LogDir == "" {
			return errors.New("logging directory must be configured - auto-detection not supported on this platform")
		}
		if sc.SocketPath == "" {
			sc.SocketPath = filepath.Join(sc.DataDir, "relay.sock")
		}
	}

	// Expand path variables.
	sc.DataDir = os.ExpandEnv(sc.DataDir)
	sc.LogDir = os.ExpandEnv(sc.LogDir)
	sc.SocketPath = os.ExpandEnv(sc.SocketPath)
	sc.HostStateFile = os.ExpandEnv(sc.HostStateFile)

	// Apply defaults.
	if sc.APIAddress == "" {
		sc.APIAddress = api.DefaultAddress
	}
	if sc.PolicyBackend == "" {
		sc.PolicyBackend = "sqlite"
	}
	if sc.EventLogSize <= 0 {
		sc.EventLogSize = eventlog.DefaultSize
	}
	if sc.QueueNumber == 0 {
		sc.QueueNumber = nfq.DefaultQueueNumber
	}
	if sc.HostStateFile == "" {
		sc.HostStateFile = filepath.Join(sc.DataDir, "host.yaml")
	}
	if sc.HostPollInterval <= 0 {
		sc.HostPollInterval = time.Second
	}

	// Check values.
	if !slices.Contains(storage.Types(), sc.PolicyBackend) {
		return fmt.Errorf("unknown policy backend %q, available: %v", sc.PolicyBackend, storage.Types())
	}
	if sc.DecisionTimeout < 0 {
		return fmt.Errorf("invalid decision timeout %s", sc.DecisionTimeout)
	}
	if sc.LogLevel != "" && log.ParseLevel(sc.LogLevel) == 0 {
		return fmt.Errorf("invalid log level %q", sc.LogLevel)
	}

	return nil
}

// EventHistoryPath returns the path of the event history database, or an
// empty string if the history is disabled.
func (sc *ServiceConfig) EventHistoryPath() string {
	if !sc.EventHistory {
		return ""
	}
	return filepath.Join(sc.DataDir, "history.db")
}

// LoadConfigFile loads the config from a YAML file.
// Unknown keys are rejected.
func LoadConfigFile(path string) (*ServiceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	sc := &ServiceConfig{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(sc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return sc, nil
}
