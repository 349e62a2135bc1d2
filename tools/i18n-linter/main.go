// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// i18n-linter checks that every message ID passed to apperr or i18n in the
// Go sources exists in the primary locale, and that every other locale
// carries all of the primary locale's keys.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Location stores the file and line number of a found message ID.
type Location struct {
	Filepath string
	Line     int
}

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "en.yaml"
	projectRoot   = "."
)

// usedKeyRe matches message IDs in apperr constructors, Error literals and
// i18n lookups.
var usedKeyRe = regexp.MustCompile(
	`(?:apperr\.(?:New|Wrap|Upstream)\([^"\n]*|MessageID:\s*|i18n\.T\(|i18n\.Localize\(.*?,\s*)"([a-z_]+\.[a-z_.]+)"`)

// report is the outcome of one lint run.
type report struct {
	Used     map[string][]Location
	Primary  map[string]struct{}
	Missing  []string            // used in code, absent from the primary locale
	Orphaned []string            // in the primary locale, never used
	Gaps     map[string][]string // locale file -> primary keys it lacks
}

func main() {
	fmt.Println("🔍 Running i18n linter...")
	r, err := lint(projectRoot, localesDir, primaryLocale)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Found %d message IDs in source, %d keys in %s.\n\n", len(r.Used), len(r.Primary), primaryLocale)

	fmt.Println("--- Missing Keys (used in code but not in the primary locale) ---")
	for _, key := range r.Missing {
		loc := r.Used[key][0]
		fmt.Printf("  - Missing: %s (%s:%d)\n", key, loc.Filepath, loc.Line)
	}
	if len(r.Missing) == 0 {
		fmt.Println("  ✨ None found.")
	}

	fmt.Println("\n--- Untranslated Keys (in the primary locale but not in others) ---")
	files := make([]string, 0, len(r.Gaps))
	for f := range r.Gaps {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Printf("Checking %s:\n", f)
		for _, key := range r.Gaps[f] {
			fmt.Printf("  - Missing: %s\n", key)
		}
	}
	if len(files) == 0 {
		fmt.Println("  ✨ All keys present.")
	}

	fmt.Println("\n--- Orphaned Keys (in the primary locale but not used in code) ---")
	for _, key := range r.Orphaned {
		fmt.Printf("  - Orphaned: %s\n", key)
	}
	if len(r.Orphaned) == 0 {
		fmt.Println("  ✨ None found.")
	}

	fmt.Println("\n--- Linter Finished ---")
	switch {
	case len(r.Missing) > 0 || len(r.Gaps) > 0:
		fmt.Println("❌ Found issues that need to be addressed.")
		os.Exit(1)
	case len(r.Orphaned) > 0:
		fmt.Println("⚠️  Found orphaned keys. Please consider removing them.")
	default:
		fmt.Println("✅ All translation files are consistent!")
	}
}

func lint(root, locales, primary string) (*report, error) {
	used, err := findUsedKeys(root)
	if err != nil {
		return nil, fmt.Errorf("finding used keys: %w", err)
	}
	primaryKeys, err := loadKeysFromLocale(filepath.Join(locales, primary))
	if err != nil {
		return nil, fmt.Errorf("loading primary locale %s: %w", primary, err)
	}
	r := &report{Used: used, Primary: primaryKeys, Gaps: map[string][]string{}}

	for key := range used {
		if _, ok := primaryKeys[key]; !ok {
			r.Missing = append(r.Missing, key)
		}
	}
	for key := range primaryKeys {
		if _, ok := used[key]; !ok {
			r.Orphaned = append(r.Orphaned, key)
		}
	}
	sort.Strings(r.Missing)
	sort.Strings(r.Orphaned)

	files, err := filepath.Glob(filepath.Join(locales, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if filepath.Base(file) == primary {
			continue
		}
		keys, err := loadKeysFromLocale(file)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
		for key := range primaryKeys {
			if _, ok := keys[key]; !ok {
				r.Gaps[file] = append(r.Gaps[file], key)
			}
		}
		sort.Strings(r.Gaps[file])
	}
	return r, nil
}

// findUsedKeys scans non-test .go files below root. Directories starting
// with "." or "_" and the tools directory are skipped, as the go tool does.
func findUsedKeys(root string) (map[string][]Location, error) {
	keys := make(map[string][]Location)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "tools") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for i, line := range strings.Split(string(content), "\n") {
			for _, match := range usedKeyRe.FindAllStringSubmatch(line, -1) {
				keys[match[1]] = append(keys[match[1]], Location{Filepath: path, Line: i + 1})
			}
		}
		return nil
	})
	return keys, err
}

// loadKeysFromLocale reads a YAML file and returns a flat map of its keys.
func loadKeysFromLocale(path string) (map[string]struct{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data map[string]interface{}
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, err
	}

	keys := make(map[string]struct{})
	flattenYAML("", data, keys)
	return keys, nil
}

// flattenYAML converts a nested map into a flat map with dot-separated keys.
func flattenYAML(prefix string, node interface{}, keys map[string]struct{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		for k, val := range v {
			newPrefix := k
			if prefix != "" {
				newPrefix = prefix + "." + k
			}
			flattenYAML(newPrefix, val, keys)
		}
	default:
		if prefix != "" {
			keys[prefix] = struct{}{}
		}
	}
}
