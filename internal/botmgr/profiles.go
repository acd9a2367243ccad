package botmgr

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/cowboy/internal/game"
)

// LLMProfile is the model configuration handed to a bot on create. An empty
// profile means no LLM: the bot's agent falls back to its built-in policy.
type LLMProfile struct {
	BaseURL    string
	Model      string
	APIKey     string
	OutputMode string
}

// Empty reports whether the profile configures nothing.
func (p LLMProfile) Empty() bool {
	return p.BaseURL == "" && p.Model == "" && p.APIKey == "" && p.OutputMode == ""
}

// Profiles holds the default LLM profile and per-seat overrides.
type Profiles struct {
	Default LLMProfile
	Seats   map[game.PlayerName]LLMProfile
}

// ForSeat resolves the profile for one seat: the default with any non-empty
// seat fields layered on top.
func (p *Profiles) ForSeat(seat game.PlayerName) LLMProfile {
	if p == nil {
		return LLMProfile{}
	}
	merged := p.Default
	if o, ok := p.Seats[seat]; ok {
		if o.BaseURL != "" {
			merged.BaseURL = o.BaseURL
		}
		if o.Model != "" {
			merged.Model = o.Model
		}
		if o.APIKey != "" {
			merged.APIKey = o.APIKey
		}
		if o.OutputMode != "" {
			merged.OutputMode = o.OutputMode
		}
	}
	return merged
}

// profilesFile is the HCL shape of the profile file:
//
//	default {
//	  base_url    = "${LLM_BASE_URL}"
//	  model       = "qwen3-30b"
//	  api_key     = "${LLM_API_KEY}"
//	  output_mode = "json"
//	}
//
//	seat "B" {
//	  model = "qwen3-8b"
//	}
type profilesFile struct {
	Default *profileBlock `hcl:"default,block"`
	Seats   []seatBlock   `hcl:"seat,block"`
}

type profileBlock struct {
	BaseURL    string `hcl:"base_url,optional"`
	Model      string `hcl:"model,optional"`
	APIKey     string `hcl:"api_key,optional"`
	OutputMode string `hcl:"output_mode,optional"`
}

type seatBlock struct {
	Seat       string `hcl:"seat,label"`
	BaseURL    string `hcl:"base_url,optional"`
	Model      string `hcl:"model,optional"`
	APIKey     string `hcl:"api_key,optional"`
	OutputMode string `hcl:"output_mode,optional"`
}

// LoadProfiles reads the LLM profile file. A missing path or missing file
// yields empty profiles, which disables LLM configuration entirely. Every
// value is environment-expanded, so files can reference ${LLM_API_KEY}
// instead of embedding secrets.
func LoadProfiles(path string) (*Profiles, error) {
	if path == "" {
		return &Profiles{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Profiles{}, nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse llm profiles: %s", diags.Error())
	}

	var raw profilesFile
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("decode llm profiles: %s", diags.Error())
	}

	profiles := &Profiles{Seats: make(map[game.PlayerName]LLMProfile)}
	if raw.Default != nil {
		profiles.Default = expandProfile(LLMProfile{
			BaseURL:    raw.Default.BaseURL,
			Model:      raw.Default.Model,
			APIKey:     raw.Default.APIKey,
			OutputMode: raw.Default.OutputMode,
		})
	}
	for _, s := range raw.Seats {
		seat := game.PlayerName(s.Seat)
		valid := false
		for _, name := range game.AllPlayerNames {
			if seat == name {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("llm profiles: unknown seat %q", s.Seat)
		}
		profiles.Seats[seat] = expandProfile(LLMProfile{
			BaseURL:    s.BaseURL,
			Model:      s.Model,
			APIKey:     s.APIKey,
			OutputMode: s.OutputMode,
		})
	}
	return profiles, nil
}

func expandProfile(p LLMProfile) LLMProfile {
	p.BaseURL = os.ExpandEnv(p.BaseURL)
	p.Model = os.ExpandEnv(p.Model)
	p.APIKey = os.ExpandEnv(p.APIKey)
	p.OutputMode = os.ExpandEnv(p.OutputMode)
	return p
}
