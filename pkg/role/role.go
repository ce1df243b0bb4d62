// Package role loads persona definitions for the assistant.
//
// A role supplies the system prompt and style constraints the pipeline
// feeds to the language model, plus the voice the TTS provider should
// speak with. Roles are defined in a YAML file holding one or more
// entries; the CLI selects one by ID at startup.
//
// Example:
//
//	roles:
//	  - id: barista
//	    name: "Friendly Barista"
//	    system_prompt: "You are a cheerful barista. Answer briefly."
//	    max_reply_chars: 280
//	    style_tags: [cheerful, concise]
//	    voice_id: "nova"
//	default: barista
package role

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by [File.Select] when no role with the
// requested ID exists in the file.
var ErrNotFound = errors.New("role not found")

// Role is a single persona definition.
type Role struct {
	// ID is the stable identifier used for selection (CLI -role flag).
	ID string `yaml:"id"`

	// Name is the role's display name.
	Name string `yaml:"name"`

	// SystemPrompt is the base system message for the language model.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxReplyChars is a soft length hint appended to the prompt.
	// Zero means no hint. The pipeline does not enforce it.
	MaxReplyChars int `yaml:"max_reply_chars"`

	// StyleTags are free-form style descriptors appended to the prompt.
	StyleTags []string `yaml:"style_tags"`

	// VoiceID selects the TTS voice for this role. Empty means the
	// provider's default voice.
	VoiceID string `yaml:"voice_id"`
}

// File is the top-level structure of a roles YAML file.
type File struct {
	// Roles lists every persona defined in the file.
	Roles []Role `yaml:"roles"`

	// Default is the ID selected when the caller does not name one.
	// Optional when the file defines exactly one role.
	Default string `yaml:"default"`
}

// Load reads and parses a roles YAML file from disk.
// Returns a descriptive error if the file cannot be opened or parsed.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("role: open roles file %q: %w", path, err)
	}
	defer f.Close()

	rf, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("role: parse roles file %q: %w", path, err)
	}
	return rf, nil
}

// LoadFromReader parses roles YAML from an [io.Reader].
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadFromReader(r io.Reader) (*File, error) {
	var rf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("role: decode roles yaml: %w", err)
	}
	for i, ro := range rf.Roles {
		if err := Validate(ro); err != nil {
			return nil, fmt.Errorf("role: roles[%d] (%q): %w", i, ro.ID, err)
		}
	}
	return &rf, nil
}

// Select returns the role with the given ID. An empty ID selects the
// file's default role, or the only role when the file defines exactly
// one. Returns [ErrNotFound] when no matching role exists.
func (f *File) Select(id string) (Role, error) {
	if id == "" {
		if f.Default != "" {
			id = f.Default
		} else if len(f.Roles) == 1 {
			return f.Roles[0], nil
		} else {
			return Role{}, fmt.Errorf("role: no role selected and no default set: %w", ErrNotFound)
		}
	}
	for _, ro := range f.Roles {
		if ro.ID == id {
			return ro, nil
		}
	}
	return Role{}, fmt.Errorf("role: %q: %w", id, ErrNotFound)
}

// Validate checks a [Role] for required fields.
//
// Rules:
//   - ID must be non-empty.
//   - SystemPrompt must be non-empty.
//   - MaxReplyChars must not be negative.
func Validate(ro Role) error {
	var errs []error

	if ro.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if ro.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt must not be empty"))
	}
	if ro.MaxReplyChars < 0 {
		errs = append(errs, fmt.Errorf("max_reply_chars must not be negative, got %d", ro.MaxReplyChars))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Prompt renders the full system prompt for the role: the base
// SystemPrompt followed by style and length hints when present.
func (ro Role) Prompt() string {
	out := ro.SystemPrompt
	if len(ro.StyleTags) > 0 {
		out += "\nStyle: "
		for i, tag := range ro.StyleTags {
			if i > 0 {
				out += ", "
			}
			out += tag
		}
		out += "."
	}
	if ro.MaxReplyChars > 0 {
		out += fmt.Sprintf("\nKeep replies under %d characters.", ro.MaxReplyChars)
	}
	return out
}
