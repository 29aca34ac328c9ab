// Package prompt renders the notification prompt sent to a language model.
package prompt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/xostack/xonotify/schedule"
)

// Tone is the stylistic directive for generated text.
type Tone string

const (
	Friendly     Tone = "friendly"
	Professional Tone = "professional"
	Casual       Tone = "casual"
	Playful      Tone = "playful"
	Urgent       Tone = "urgent"
	Empathetic   Tone = "empathetic"
)

// Tones lists every supported tone.
var Tones = []Tone{Friendly, Professional, Casual, Playful, Urgent, Empathetic}

// ParseTone accepts a tone name in any case.
func ParseTone(s string) (Tone, error) {
	t := Tone(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Tones {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tone %q", s)
}

// DefaultMaxLength applies when Request.MaxLength is not positive.
const DefaultMaxLength = 120

// Fallback phrases for absent optional fields.
const (
	NoSessionData = "No session data"
	NoCrashes     = "No recent crashes"
	NoLocale      = "not specified (use English)"
)

// Request describes one notification to write.
type Request struct {
	AppID     string             `json:"app_id"`
	Tone      Tone               `json:"tone"`
	Frequency schedule.Frequency `json:"frequency"`
	MaxLength int                `json:"max_length,omitempty"`
	Locale    string             `json:"locale,omitempty"`
	CrashText string             `json:"crash_text,omitempty"`
	Context   map[string]string  `json:"context,omitempty"`
}

const baseTemplate = `You write short push notifications for a mobile app.

App package: {{APP_PACKAGE}}
User session: {{USER_SESSION}}
Recent crashes: {{CRASH_DATA}}
Tone: {{TONE}}
Send frequency: {{FREQUENCY}}
Locale: {{LOCALE}}

Write one notification of at most {{MAX_LENGTH}} characters in the requested tone and locale.
Reply with the notification text only, without quotes, hashtags or explanations.`

// Render fills the base template from req. Context keys appear in sorted
// order so the output is stable for equal requests.
func Render(req Request) string {
	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	crash := strings.TrimSpace(req.CrashText)
	if crash == "" {
		crash = NoCrashes
	}

	r := strings.NewReplacer(
		"{{APP_PACKAGE}}", req.AppID,
		"{{USER_SESSION}}", FlattenContext(req.Context),
		"{{CRASH_DATA}}", crash,
		"{{TONE}}", string(req.Tone),
		"{{FREQUENCY}}", string(req.Frequency),
		"{{LOCALE}}", DescribeLocale(req.Locale),
		"{{MAX_LENGTH}}", strconv.Itoa(maxLength),
	)
	return r.Replace(baseTemplate)
}

// FlattenContext joins entries as "key: value" pairs separated by ", ".
func FlattenContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return NoSessionData
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+": "+ctx[k])
	}
	return strings.Join(pairs, ", ")
}

// DescribeLocale renders a BCP 47 tag as "English name (tag)", e.g.
// "French (fr-FR)". Unparseable input is returned verbatim.
func DescribeLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return NoLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return locale
	}
	base, _ := tag.Base()
	name := display.English.Languages().Name(base)
	if name == "" {
		return tag.String()
	}
	return fmt.Sprintf("%s (%s)", name, tag)
}
