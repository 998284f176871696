package tokenizer

// languageCodes lists the supported ISO codes in control-token order.
var languageCodes = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr",
	"pl", "ca", "nl", "ar", "sv", "it", "id", "hi", "fi", "vi",
	"he", "uk", "el", "ms", "cs", "ro", "da", "hu", "ta", "no",
	"th", "ur", "hr", "bg", "lt", "la", "mi", "ml", "cy", "sk",
	"te", "fa", "lv", "bn", "sr", "az", "sl", "kn", "et", "mk",
	"br", "eu", "is", "hy", "ne", "mn", "bs", "kk", "sq", "sw",
	"gl", "mr", "pa", "si", "km", "sn", "yo", "so", "af", "oc",
	"ka", "be", "tg", "sd", "gu", "am", "yi", "lo", "uz", "fo",
	"ht", "ps", "tk", "nn", "mt", "sa", "lb", "my", "bo", "tl",
	"mg", "as", "tt", "haw", "ln", "ha", "ba", "jw", "su", "yue",
}

// perTokenSplitLanguages have no space-delimited word boundaries; word
// timings fall back to per-grapheme-run splitting for them.
var perTokenSplitLanguages = map[string]bool{
	"zh": true, "ja": true, "th": true, "lo": true, "my": true, "yue": true,
}

// LanguageCodes returns the supported ISO codes in control-token order.
func LanguageCodes() []string {
	return append([]string(nil), languageCodes...)
}

// IsSupportedLanguage reports whether code names a supported language.
func IsSupportedLanguage(code string) bool {
	for _, c := range languageCodes {
		if c == code {
			return true
		}
	}

	return false
}
