package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed lang/*.yaml
var bundledLang embed.FS

type Locale struct {
	translations map[string]string
	locale       string
}

var globalLocale *Locale

// InitLocale initializes the global locale system
func InitLocale() error {
	locale := DetectSystemLocale()

	l, err := LoadLocale(locale)
	if err != nil {
		zap.L().Debug("locale unavailable, falling back to en_US", zap.String("locale", locale), zap.Error(err))
		l, err = LoadLocale("en_US")
		if err != nil {
			return eris.Wrap(err, "failed to load fallback locale en_US")
		}
	}

	globalLocale = l
	return nil
}

// DetectSystemLocale detects the user's system locale
func DetectSystemLocale() string {
	for _, env := range []string{"LANG", "LC_ALL", "LC_MESSAGES"} {
		if locale := os.Getenv(env); locale != "" {
			// e.g. "en_US.UTF-8"
			if name := strings.Split(locale, ".")[0]; name != "" && name != "C" && name != "POSIX" {
				return name
			}
		}
	}
	return "en_US"
}

// LoadLocale loads lang/<locale>.yaml next to the executable, falling back to
// the catalog bundled into the binary.
func LoadLocale(locale string) (*Locale, error) {
	if exePath, err := os.Executable(); err == nil {
		localeFile := filepath.Join(filepath.Dir(exePath), "lang", locale+".yaml")
		if data, err := os.ReadFile(localeFile); err == nil {
			return parseLocale(locale, data)
		}
	}

	data, err := bundledLang.ReadFile("lang/" + locale + ".yaml")
	if err != nil {
		return nil, eris.Wrapf(err, "no catalog for locale %s", locale)
	}
	return parseLocale(locale, data)
}

func parseLocale(locale string, data []byte) (*Locale, error) {
	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, eris.Wrapf(err, "failed to parse locale %s", locale)
	}

	return &Locale{
		translations: translations,
		locale:       locale,
	}, nil
}

// T translates a key with optional fmt parameters. Unknown keys come back
// unchanged.
func T(key string, params ...interface{}) string {
	if globalLocale == nil {
		return key
	}

	translation, ok := globalLocale.translations[key]
	if !ok {
		return key
	}

	if len(params) > 0 {
		return fmt.Sprintf(translation, params...)
	}

	return translation
}

// GetLocale returns the current locale code (e.g., "en_US")
func GetLocale() string {
	if globalLocale == nil {
		return "en_US"
	}
	return globalLocale.locale
}
