package stt

import (
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// whisperLanguages lists the language codes whisper models can detect.
var whisperLanguages = strings.Fields(`
	en zh de es ru ko fr ja pt tr pl ca nl ar sv it id hi fi vi he uk el ms cs
	ro da hu ta no th ur hr bg lt la mi ml cy sk te fa lv bn sr az sl kn et mk
	br eu is hy ne mn bs kk sq sw gl mr pa si km sn yo so af oc ka be tg sd gu
	am yi lo uz fo ht ps tk nn mt sa lb my bo tl mg as tt haw ln ha ba jv su yue
`)

// nameAliases covers names whisper-server prints that differ from the CLDR
// English display names.
var nameAliases = map[string]string{
	"nynorsk":        "nn",
	"haitian creole": "ht",
	"castilian":      "es",
	"flemish":        "nl",
	"valencian":      "ca",
	"moldavian":      "ro",
	"moldovan":       "ro",
	"letzeburgesch":  "lb",
	"pushto":         "ps",
	"panjabi":        "pa",
	"sinhalese":      "si",
	"mandarin":       "zh",
	"burmese":        "my",
	"tagalog":        "tl",
	"filipino":       "tl",
}

var (
	namesOnce sync.Once
	names     map[string]string
)

// LanguageCode normalises a provider-reported language into a BCP-47 base
// language. whisper-server and the OpenAI verbose_json format print
// lower-case English names ("japanese"); other providers return codes
// ("ja", "en-US"). Unknown values map to "".
func LanguageCode(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" {
		return ""
	}
	namesOnce.Do(buildNames)
	if code, ok := names[s]; ok {
		return code
	}
	if tag, err := language.Parse(s); err == nil {
		base, _ := tag.Base()
		return base.String()
	}
	return ""
}

func buildNames() {
	names = make(map[string]string, len(whisperLanguages)+len(nameAliases))
	namer := display.English.Languages()
	for _, code := range whisperLanguages {
		tag, err := language.Parse(code)
		if err != nil {
			continue
		}
		if n := namer.Name(tag); n != "" {
			names[strings.ToLower(n)] = code
		}
	}
	for name, code := range nameAliases {
		names[name] = code
	}
}
