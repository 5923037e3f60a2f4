// Package templating renders stored templates with per-recipient values.
package templating

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
)

const (
	gsmSingleLimit     = 160
	gsmMultipartLimit  = 153
	ucs2SingleLimit    = 70
	ucs2MultipartLimit = 67
)

var placeholderPattern = regexp.MustCompile(`\(\(([^()]+)\)\)`)

// gsmCharset holds the GSM 03.38 basic set; gsmExtended characters count twice.
const (
	gsmCharset  = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	gsmExtended = "^{}\\[~]|€\f"
)

// Rendered is a template filled in for one recipient.
type Rendered struct {
	Subject string
	Body    string
	// Units is the number of SMS fragments, or 1 for email.
	Units int
}

// Renderer fills ((placeholder)) markers from personalisation values.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render returns the template content for personalisation. A placeholder with
// no matching value is a validation error.
func (r *Renderer) Render(tmpl domain.Template, personalisation map[string]string) (Rendered, error) {
	values := normalizeKeys(personalisation)

	body, err := fill(tmpl.Content, values)
	if err != nil {
		return Rendered{}, err
	}

	out := Rendered{Body: body, Units: 1}
	switch tmpl.Type {
	case domain.TypeEmail:
		subject, err := fill(tmpl.Subject, values)
		if err != nil {
			return Rendered{}, err
		}
		out.Subject = strings.Join(strings.Fields(subject), " ")
	case domain.TypeSMS:
		out.Body = strings.TrimSpace(body)
		out.Units = FragmentCount(out.Body)
	default:
		return Rendered{}, fmt.Errorf("%w: unsupported template type %q", domain.ErrValidation, tmpl.Type)
	}

	return out, nil
}

// Placeholders lists the distinct placeholder names in content, lower-cased.
func Placeholders(content string) []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(content, -1) {
		seen[normalizeKey(m[1])] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FragmentCount returns how many SMS parts content is sent as.
func FragmentCount(content string) int {
	if content == "" {
		return 1
	}

	length, gsm := gsmLength(content)
	single, multi := gsmSingleLimit, gsmMultipartLimit
	if !gsm {
		length = utf8.RuneCountInString(content)
		single, multi = ucs2SingleLimit, ucs2MultipartLimit
	}

	if length <= single {
		return 1
	}
	return (length + multi - 1) / multi
}

func gsmLength(content string) (int, bool) {
	length := 0
	for _, r := range content {
		switch {
		case strings.ContainsRune(gsmCharset, r):
			length++
		case strings.ContainsRune(gsmExtended, r):
			length += 2
		default:
			return 0, false
		}
	}
	return length, true
}

func fill(content string, values map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(content, func(marker string) string {
		name := normalizeKey(marker[2 : len(marker)-2])
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return marker
		}
		return v
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing personalisation: %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	return out, nil
}

func normalizeKeys(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[normalizeKey(k)] = v
	}
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.Join(strings.Fields(key), ""))
}
