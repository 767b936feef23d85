package convo

import "strings"

type preset struct {
	match    []string
	template Template
}

// Family presets, first substring match wins. The zero entry is the fallback.
var presets = []preset{
	{
		match: []string{"vicuna", "t5"},
		template: Template{
			Name:   "vicuna",
			System: "A chat between a curious user and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the user's questions.",
			Roles:  [2]string{"USER", "ASSISTANT"},
			Style:  SepTwo,
			Sep:    " ",
			Sep2:   "</s>",
		},
	},
	{
		match: []string{"llama"},
		template: Template{
			Name:         "llama",
			System:       "You are a helpful assistant. Today's date is {{currentDateTime}}.",
			Roles:        [2]string{"user", "assistant"},
			Style:        SepSingle,
			Sep:          "\n",
			StopStr:      []string{"<|eot_id|>"},
			StopTokenIDs: []int{128009},
		},
	},
}

var fallback = Template{
	Name:  "one_shot",
	Roles: [2]string{"user", "assistant"},
	Style: SepSingle,
	Sep:   "\n",
}

// ForModel returns a fresh template instance for a model name.
func ForModel(model string) *Template {
	model = strings.ToLower(model)
	for _, p := range presets {
		for _, m := range p.match {
			if strings.Contains(model, m) {
				return p.template.Clone()
			}
		}
	}
	return fallback.Clone()
}
