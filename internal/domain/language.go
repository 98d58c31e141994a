package domain

import "errors"

var ErrUnknownLanguage = errors.New("unsupported language code")

// Language is an enumerated locale code attached to registration and call
// setup. The core uses it as negotiation meta-data only; translation
// happens on the backend.
type Language string

const (
	LangEnglish Language = "en-US"
	LangHindi   Language = "hi-IN"
	LangTamil   Language = "ta-IN"
	LangKannada Language = "kn-IN"
)

var languageNames = map[Language]string{
	LangEnglish: "English",
	LangHindi:   "Hindi",
	LangTamil:   "Tamil",
	LangKannada: "Kannada",
}

func ParseLanguage(code string) (Language, error) {
	l := Language(code)
	if _, ok := languageNames[l]; !ok {
		return "", ErrUnknownLanguage
	}
	return l, nil
}

// Name returns the display name, or the raw code for unknown values.
func (l Language) Name() string {
	if n, ok := languageNames[l]; ok {
		return n
	}
	return string(l)
}

func Languages() []Language {
	return []Language{LangEnglish, LangHindi, LangTamil, LangKannada}
}
