// ABOUTME: Runner profile loading for the subprocess generation backend
// ABOUTME: TOML file naming the llama.cpp binary, model, and sampling flags

package llm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Profile describes how to invoke the local model runner. Sampling fields
// default to sane values when omitted from the file.
type Profile struct {
	Binary        string  `toml:"binary"`
	Model         string  `toml:"model"`
	Temp          float64 `toml:"temp"`
	TopP          float64 `toml:"top_p"`
	RepeatPenalty float64 `toml:"repeat_penalty"`
	CtxSize       int     `toml:"ctx_size"`
	Predict       int     `toml:"predict"`
	Threads       int     `toml:"threads"`
	BatchSize     int     `toml:"batch_size"`
}

// LoadProfile reads a runner profile from the given path, expanding
// environment variables in the raw content.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runner profile: %w", err)
	}

	var p Profile
	if _, err := toml.Decode(os.ExpandEnv(string(data)), &p); err != nil {
		return nil, fmt.Errorf("parsing runner profile: %w", err)
	}

	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating runner profile: %w", err)
	}
	return &p, nil
}

func (p *Profile) applyDefaults() {
	if p.Temp == 0 {
		p.Temp = 0.7
	}
	if p.TopP == 0 {
		p.TopP = 0.9
	}
	if p.RepeatPenalty == 0 {
		p.RepeatPenalty = 1.1
	}
	if p.CtxSize == 0 {
		p.CtxSize = 2048
	}
	if p.Predict == 0 {
		p.Predict = 150
	}
	if p.Threads == 0 {
		p.Threads = 4
	}
	if p.BatchSize == 0 {
		p.BatchSize = 512
	}
}

// Validate checks that the profile names a binary and a model file.
func (p *Profile) Validate() error {
	if p.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}
