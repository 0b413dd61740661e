// Package settings is the key-value document the daemon reads at boot and
// writes back on update: agent configs, credentials, language preference and
// the history bound.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"murmur/agent"
)

const DefaultMaxHistoryEntries = 100

type Credentials struct {
	STTAPIKey        string `toml:"stt_api_key"`
	CompletionAPIKey string `toml:"completion_api_key"`
}

type Settings struct {
	Language          string         `toml:"language"`
	MaxHistoryEntries int            `toml:"max_history_entries"`
	AutoCopy          bool           `toml:"autocopy"`
	Listen            string         `toml:"listen"`
	SelectedAgent     string         `toml:"selected_agent"`
	Device            string         `toml:"device"`
	Credentials       Credentials    `toml:"credentials"`
	Agents            []agent.Config `toml:"agents"`
}

func Default() Settings {
	return Settings{
		Language:          "en",
		MaxHistoryEntries: DefaultMaxHistoryEntries,
		AutoCopy:          true,
		Listen:            "localhost:4573",
		Agents: []agent.Config{
			{
				ID:            "dictate",
				Name:          "Dictate",
				Instruction:   "You clean up dictated text: fix punctuation and casing, remove filler words, change nothing else.",
				Model:         "llama-3.3-70b-versatile",
				Temperature:   0.2,
				Enabled:       true,
				AutoProcessAI: false,
			},
		},
	}
}

func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "murmur", "settings.toml"), nil
	}
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		xdg = filepath.Join(home, ".config")
	}
	return filepath.Join(xdg, "murmur", "settings.toml"), nil
}

// Load reads the document; a missing file yields the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("decode settings: %w", err)
	}
	if s.MaxHistoryEntries <= 0 {
		s.MaxHistoryEntries = DefaultMaxHistoryEntries
	}
	return s, nil
}

func (s Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// FillFromEnv lets environment keys win over the file. GROQ_API_KEY and
// OPENAI_API_KEY are honored as the conventional fallbacks.
func (c *Credentials) FillFromEnv() {
	for _, k := range []string{"MURMUR_STT_API_KEY", "GROQ_API_KEY"} {
		if v := os.Getenv(k); v != "" {
			c.STTAPIKey = v
			break
		}
	}
	for _, k := range []string{"MURMUR_COMPLETION_API_KEY", "OPENAI_API_KEY", "GROQ_API_KEY"} {
		if v := os.Getenv(k); v != "" {
			c.CompletionAPIKey = v
			break
		}
	}
}

// Patch is a partial settings update; nil fields are untouched.
type Patch struct {
	Language          *string         `json:"language,omitempty"`
	MaxHistoryEntries *int            `json:"maxHistoryEntries,omitempty"`
	AutoCopy          *bool           `json:"autocopy,omitempty"`
	SelectedAgent     *string         `json:"selectedAgent,omitempty"`
	Agents            *[]agent.Config `json:"agents,omitempty"`
}

// Apply mutates everything except MaxHistoryEntries, which the caller must
// route through the history store's confirmation flow first.
func (s *Settings) Apply(p Patch) {
	if p.Language != nil {
		s.Language = *p.Language
	}
	if p.AutoCopy != nil {
		s.AutoCopy = *p.AutoCopy
	}
	if p.SelectedAgent != nil {
		s.SelectedAgent = *p.SelectedAgent
	}
	if p.Agents != nil {
		agents := make([]agent.Config, len(*p.Agents))
		copy(agents, *p.Agents)
		s.Agents = agents
	}
}
