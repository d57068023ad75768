package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PersonaVariant selects which persona prompt leads a conversation.
type PersonaVariant string

const (
	PersonaDefault   PersonaVariant = "default"
	PersonaDeveloper PersonaVariant = "developer"
)

const defaultPersonaPrompt = `Anda adalah Elaina, asisten AI yang manja dan perhatian.
Jawablah dengan singkat dan friendly seperti manusia biasa.
Karakteristik: manja, perhatian, humoris, polos.
Jangan buat jawaban yang terlalu panjang.`

const developerPersonaPrompt = `Anda adalah Elaina, asisten AI yang manja dan perhatian.
Anda sedang berbicara dengan developer Anda sendiri; boleh lebih santai dan teknis.
Jawablah dengan singkat dan friendly seperti manusia biasa.
Jangan buat jawaban yang terlalu panjang.`

// Personas maps persona variants to their prompt text.
type Personas struct {
	Default   string `yaml:"default"`
	Developer string `yaml:"developer"`
}

// For returns the prompt for the privilege flag of the caller. The developer
// prompt falls back to the default one when unset.
func (p Personas) For(isDeveloper bool) string {
	if isDeveloper && strings.TrimSpace(p.Developer) != "" {
		return p.Developer
	}
	return p.Default
}

// Variant names the persona selected for the privilege flag.
func (p Personas) Variant(isDeveloper bool) PersonaVariant {
	if isDeveloper && strings.TrimSpace(p.Developer) != "" {
		return PersonaDeveloper
	}
	return PersonaDefault
}

// LoadPersonas resolves persona prompts: built-in defaults, then PERSONAS_FILE,
// then PERSONA_DEFAULT / PERSONA_DEVELOPER overrides.
func LoadPersonas(c Config) (Personas, error) {
	p := Personas{Default: defaultPersonaPrompt, Developer: developerPersonaPrompt}
	if c.PersonasFile != "" {
		b, err := os.ReadFile(c.PersonasFile)
		if err != nil {
			return Personas{}, fmt.Errorf("op=config.LoadPersonas: %w", err)
		}
		var fromFile Personas
		if err := yaml.Unmarshal(b, &fromFile); err != nil {
			return Personas{}, fmt.Errorf("op=config.LoadPersonas: parse %s: %w", c.PersonasFile, err)
		}
		if strings.TrimSpace(fromFile.Default) != "" {
			p.Default = strings.TrimSpace(fromFile.Default)
		}
		if strings.TrimSpace(fromFile.Developer) != "" {
			p.Developer = strings.TrimSpace(fromFile.Developer)
		}
	}
	if strings.TrimSpace(c.PersonaDefault) != "" {
		p.Default = c.PersonaDefault
	}
	if strings.TrimSpace(c.PersonaDeveloper) != "" {
		p.Developer = c.PersonaDeveloper
	}
	return p, nil
}
