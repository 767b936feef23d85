package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"chatmux/internal/secrets"
)

// staticEntry mirrors the on-disk provider config format:
//
//	{
//	  "gpt-3.5-turbo": {
//	    "model_name": "gpt-3.5-turbo",
//	    "api_type": "openai",
//	    "api_base": "https://api.openai.com/v1",
//	    "api_key": "sk-*** or enc:...",
//	    "anony_only": false
//	  }
//	}
type staticEntry struct {
	ModelName          string             `json:"model_name"`
	APIType            string             `json:"api_type"`
	APIBase            string             `json:"api_base"`
	APIKey             string             `json:"api_key"`
	AnonyOnly          bool               `json:"anony_only"`
	VisionArena        bool               `json:"vision-arena"`
	TextArena          *bool              `json:"text-arena"`
	CustomSystemPrompt bool               `json:"custom_system_prompt"`
	Recommended        *RecommendedParams `json:"recommended_config"`
}

// LoadStatic parses the static provider config file. API keys carrying the
// enc: prefix are opened with the keyring; a nil keyring only accepts
// plaintext keys.
func LoadStatic(path string, keyring *secrets.Keyring) (map[string]ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}
	var file map[string]staticEntry
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse provider config: %w", err)
	}

	out := make(map[string]ProviderConfig, len(file))
	for name, e := range file {
		apiKey, err := keyring.Open(e.APIKey)
		if err != nil {
			return nil, fmt.Errorf("credential for %q: %w", name, err)
		}
		textArena := true
		if e.TextArena != nil {
			textArena = *e.TextArena
		}
		modelName := e.ModelName
		if modelName == "" {
			modelName = name
		}
		out[name] = ProviderConfig{
			ModelName:          modelName,
			APIFamily:          e.APIType,
			BaseURL:            e.APIBase,
			APIKey:             apiKey,
			CustomSystemPrompt: e.CustomSystemPrompt,
			AnonyOnly:          e.AnonyOnly,
			VisionArena:        e.VisionArena,
			TextArena:          textArena,
			Recommended:        e.Recommended,
		}
	}
	return out, nil
}
