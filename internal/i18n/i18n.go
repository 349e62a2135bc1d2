// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package i18n localizes user-facing API messages. Translations are embedded
// YAML files under locales/, one per language.
package i18n

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

var (
	mu        sync.RWMutex
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
	lang      string
)

// Init loads the embedded locales and makes lang the default language.
func Init(defaultLang string) {
	b := i18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	files, _ := fs.ReadDir(localeFS, "locales")
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if err != nil {
			continue
		}
		_, _ = b.ParseMessageFileBytes(data, f.Name())
	}

	if defaultLang == "" {
		defaultLang = "en"
	}
	mu.Lock()
	bundle = b
	lang = defaultLang
	localizer = i18n.NewLocalizer(b, defaultLang)
	mu.Unlock()
}

func current() (*i18n.Bundle, *i18n.Localizer) {
	mu.RLock()
	b, l := bundle, localizer
	mu.RUnlock()
	if b == nil {
		Init("en")
		mu.RLock()
		b, l = bundle, localizer
		mu.RUnlock()
	}
	return b, l
}

// Lang returns the default language set by Init.
func Lang() string {
	current()
	mu.RLock()
	defer mu.RUnlock()
	return lang
}

// Available returns the loaded language tags, sorted.
func Available() []string {
	b, _ := current()
	var out []string
	for _, tag := range b.LanguageTags() {
		out = append(out, tag.String())
	}
	sort.Strings(out)
	return out
}

// T translates messageID into the default language. Unknown IDs are returned
// unchanged.
func T(messageID string) string {
	_, l := current()
	return localize(l, messageID)
}

// Localize translates messageID for an Accept-Language header value, falling
// back to the default language.
func Localize(acceptLanguage, messageID string) string {
	b, l := current()
	if strings.TrimSpace(acceptLanguage) != "" {
		mu.RLock()
		def := lang
		mu.RUnlock()
		l = i18n.NewLocalizer(b, acceptLanguage, def)
	}
	return localize(l, messageID)
}

func localize(l *i18n.Localizer, messageID string) string {
	msg, err := l.Localize(&i18n.LocalizeConfig{MessageID: messageID})
	if err != nil || msg == "" {
		return messageID
	}
	return msg
}
