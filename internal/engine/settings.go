package engine

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	DefaultPrompt = `You are the voice interface for a multi-agent task workforce.

ROLE:
- Help users direct tasks using natural speech
- Clarify ambiguous requests before submitting them
- Keep responses short and conversational

VOICE STYLE:
- One or two sentences at most
- Never read code, file contents or long lists aloud
- Use simple language suited to speech

HOW THE WORKFORCE OPERATES:
A submitted task is decomposed into subtasks, specialized agents work on each
one, and results appear in the main application window.

WHAT YOU CAN DO:
- Help users formulate clear task descriptions, then call submit_task
- After decomposition, call confirm_start when the user agrees to begin
- Report progress with get_task_status and stop work with cancel_task
- Look at recent work with get_project_context

You cannot see the application window. Be honest about that.`

	DefaultGreeting = "Hi! I'm your voice interface. What would you like me to help with?"
)

// Settings configures the agent for one session.
type Settings struct {
	InputSampleRate  int           `mapstructure:"input_sample_rate"`
	OutputSampleRate int           `mapstructure:"output_sample_rate"`
	ListenProvider   string        `mapstructure:"listen_provider"`
	ListenModel      string        `mapstructure:"listen_model"`
	ThinkProvider    string        `mapstructure:"think_provider"`
	ThinkModel       string        `mapstructure:"think_model"`
	SpeakProvider    string        `mapstructure:"speak_provider"`
	SpeakModel       string        `mapstructure:"speak_model"`
	Prompt           string        `mapstructure:"prompt"`
	Greeting         string        `mapstructure:"greeting"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
}

func DefaultSettings() Settings {
	return Settings{
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		ListenProvider:   "deepgram",
		ListenModel:      "nova-2",
		ThinkProvider:    "anthropic",
		ThinkModel:       "claude-3-5-haiku-latest",
		SpeakProvider:    "deepgram",
		SpeakModel:       "aura-asteria-en",
		Prompt:           DefaultPrompt,
		Greeting:         DefaultGreeting,
		KeepAlive:        5 * time.Second,
	}
}

// DecodeSettings overlays a free-form settings map on base. Keys match
// field names ignoring case, underscores and dashes.
func DecodeSettings(base Settings, input map[string]any) (Settings, error) {
	out := base
	if len(input) == 0 {
		return out, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return base, err
	}
	if err := decoder.Decode(input); err != nil {
		return base, err
	}
	return out, nil
}

func normalizeKey(v string) string {
	v = strings.ToLower(v)
	v = strings.ReplaceAll(v, "_", "")
	return strings.ReplaceAll(v, "-", "")
}

// Function is a client-side operation the agent may call.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type provider struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type settingsMessage struct {
	Type  string `json:"type"`
	Audio struct {
		Input  audioFormat `json:"input"`
		Output audioFormat `json:"output"`
	} `json:"audio"`
	Agent struct {
		Listen struct {
			Provider provider `json:"provider"`
		} `json:"listen"`
		Think struct {
			Provider  provider   `json:"provider"`
			Prompt    string     `json:"prompt,omitempty"`
			Functions []Function `json:"functions,omitempty"`
		} `json:"think"`
		Speak struct {
			Provider provider `json:"provider"`
		} `json:"speak"`
		Greeting string `json:"greeting,omitempty"`
	} `json:"agent"`
}

func (s Settings) message(functions []Function) settingsMessage {
	var m settingsMessage
	m.Type = "Settings"
	m.Audio.Input = audioFormat{Encoding: "linear16", SampleRate: s.InputSampleRate}
	m.Audio.Output = audioFormat{Encoding: "linear16", SampleRate: s.OutputSampleRate, Container: "none"}
	m.Agent.Listen.Provider = provider{Type: s.ListenProvider, Model: s.ListenModel}
	m.Agent.Think.Provider = provider{Type: s.ThinkProvider, Model: s.ThinkModel}
	m.Agent.Think.Prompt = s.Prompt
	m.Agent.Think.Functions = functions
	m.Agent.Speak.Provider = provider{Type: s.SpeakProvider, Model: s.SpeakModel}
	m.Agent.Greeting = s.Greeting
	return m
}
