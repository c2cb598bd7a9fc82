package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"wanVideoBot/internal/generation"
)

//go:embed locales/*.json
var embedded embed.FS

type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex
	defaultLang  string
}

func NewLocalizer(defaultLang string) *Localizer {
	l := &Localizer{
		translations: make(map[string]map[string]string),
		defaultLang:  defaultLang,
	}
	if err := l.loadTranslations(embedded, "locales"); err != nil {
		zap.L().Error("loading embedded locales failed", zap.Error(err))
	}
	return l
}

func (l *Localizer) loadTranslations(fsys fs.FS, dir string) error {
	files, err := fs.Glob(fsys, path.Join(dir, "*.json"))
	if err != nil {
		return err
	}

	for _, file := range files {
		langCode := strings.TrimSuffix(path.Base(file), ".json")
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			zap.L().Error("error reading locale file", zap.String("file", file), zap.Error(err))
			continue
		}

		var data map[string]string
		if err := json.Unmarshal(content, &data); err != nil {
			zap.L().Error("error parsing locale file", zap.String("file", file), zap.Error(err))
			continue
		}

		l.mu.Lock()
		l.translations[langCode] = data
		l.mu.Unlock()
		zap.L().Debug("loaded language", zap.String("lang", langCode))
	}
	return nil
}

// Get falls back to the default language and finally to the key itself.
func (l *Localizer) Get(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if lang == "" {
		lang = l.defaultLang
	}

	if trans, ok := l.translations[lang]; ok {
		if val, ok := trans[key]; ok {
			return val
		}
	}

	if trans, ok := l.translations[l.defaultLang]; ok {
		if val, ok := trans[key]; ok {
			return val
		}
	}

	return key
}

func (l *Localizer) Format(lang, key string, args ...any) string {
	return fmt.Sprintf(l.Get(lang, key), args...)
}

func (l *Localizer) Languages() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	langs := make([]string, 0, len(l.translations))
	for code := range l.translations {
		langs = append(langs, code)
	}
	sort.Strings(langs)
	return langs
}

// Supports reports whether lang has its own translation file.
func (l *Localizer) Supports(lang string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.translations[lang]
	return ok
}

// FieldError renders one validation failure for display.
func (l *Localizer) FieldError(lang string, fe generation.FieldError) string {
	field := l.Get(lang, "field_"+fe.Field)
	switch fe.Kind {
	case generation.KindTooShort:
		return l.Format(lang, "err_too_short", field, fe.Min)
	case generation.KindTooLong:
		return l.Format(lang, "err_too_long", field, fe.Max)
	case generation.KindInvalidEnum:
		return l.Format(lang, "err_invalid_enum", field, strings.Join(fe.Allowed, ", "))
	case generation.KindOutOfRange:
		return l.Format(lang, "err_out_of_range", field, fe.Min, fe.Max)
	case generation.KindInvalidURL:
		return l.Format(lang, "err_invalid_url", field)
	case generation.KindMissingRequired:
		return l.Format(lang, "err_missing_required", field)
	}
	return fe.Error()
}

// FieldErrors renders every failure, one per line, in field order.
func (l *Localizer) FieldErrors(lang string, errs generation.FieldErrors) string {
	var b strings.Builder
	b.WriteString(l.Get(lang, "validation_title"))
	for _, fe := range errs.All() {
		b.WriteString("\n• ")
		b.WriteString(l.FieldError(lang, fe))
	}
	return b.String()
}
