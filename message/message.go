// Package message renders tracker templates into Discord webhook messages.
//
// A template is either plain text or a JSON object with "content" and "embed" keys.
// Tokens written as {name} are substituted in both forms.
package message

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"socialrelay/pkg/relay"

	"github.com/goccy/go-json"
)

// Discord limits.
const (
	maxContent     = 2000
	maxTitle       = 256
	maxDescription = 2048
	maxFieldName   = 256
	maxFieldValue  = 1024
	maxFooter      = 2048
	maxFields      = 25
)

// missingValue replaces tokens that have no value.
const missingValue = "🤷"

type embedTemplate struct {
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	Description string          `json:"description"`
	Hex         string          `json:"hex"`
	Color       *int            `json:"color"`
	RGB         *rgbTemplate    `json:"rgb"`
	Author      *authorTemplate `json:"author"`
	Thumbnail   *imageTemplate  `json:"thumbnail"`
	Image       *imageTemplate  `json:"image"`
	Footer      *footerTemplate `json:"footer"`
	Fields      []fieldTemplate `json:"fields"`
}

type rgbTemplate struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

type authorTemplate struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	IconURL string `json:"icon_url"`
}

type imageTemplate struct {
	URL string `json:"url"`
}

type footerTemplate struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url"`
}

type fieldTemplate struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Render builds a message from template. It returns false when the result would be empty,
// in which case callers send a bare link instead.
func Render(template string, tokens map[string]string) (*relay.Message, bool) {
	if obj, ok := parseObject(template); ok {
		return renderJSON(obj, tokens)
	}

	content := truncate(strings.TrimSpace(replaceTokens(template, tokens)), maxContent)
	if content == "" {
		return nil, false
	}
	return &relay.Message{Content: content}, true
}

func parseObject(template string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(template)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func renderJSON(obj map[string]any, tokens map[string]string) (*relay.Message, bool) {
	obj = replaceInValue(obj, tokens).(map[string]any)

	msg := &relay.Message{}
	if content, ok := obj["content"].(string); ok {
		msg.Content = truncate(strings.TrimSpace(content), maxContent)
	}
	if raw, ok := obj["embed"].(map[string]any); ok {
		// A broken embed is dropped; the content still goes out.
		if embed, ok := buildEmbed(raw); ok {
			msg.Embeds = append(msg.Embeds, embed)
		}
	}

	if msg.Content == "" && len(msg.Embeds) == 0 {
		return nil, false
	}
	return msg, true
}

func buildEmbed(raw map[string]any) (relay.Embed, bool) {
	data, err := json.Marshal(raw)
	if err != nil {
		return relay.Embed{}, false
	}
	var tpl embedTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return relay.Embed{}, false
	}

	e := relay.Embed{
		Title:       truncate(tpl.Title, maxTitle),
		URL:         validURL(tpl.URL),
		Description: truncate(tpl.Description, maxDescription),
	}

	switch {
	case tpl.Hex != "":
		if c, ok := parseHex(tpl.Hex); ok {
			e.Color = c
		}
	case tpl.RGB != nil:
		e.Color = (tpl.RGB.R&0xFF)<<16 | (tpl.RGB.G&0xFF)<<8 | tpl.RGB.B&0xFF
	case tpl.Color != nil:
		e.Color = *tpl.Color & 0xFFFFFF
	}

	if tpl.Author != nil {
		e.Author = &relay.EmbedAuthor{Name: truncate(tpl.Author.Name, maxTitle), URL: validURL(tpl.Author.URL), IconURL: validURL(tpl.Author.IconURL)}
	}
	if tpl.Thumbnail != nil && validURL(tpl.Thumbnail.URL) != "" {
		e.Thumbnail = &relay.EmbedImage{URL: tpl.Thumbnail.URL}
	}
	if tpl.Image != nil && validURL(tpl.Image.URL) != "" {
		e.Image = &relay.EmbedImage{URL: tpl.Image.URL}
	}
	if tpl.Footer != nil {
		e.Footer = &relay.EmbedFooter{Text: truncate(tpl.Footer.Text, maxFooter), IconURL: validURL(tpl.Footer.IconURL)}
	}
	for i, f := range tpl.Fields {
		if i == maxFields {
			break
		}
		e.Fields = append(e.Fields, relay.EmbedField{
			Name:   orBlank(truncate(f.Name, maxFieldName)),
			Value:  orBlank(truncate(f.Value, maxFieldValue)),
			Inline: f.Inline,
		})
	}

	if e.Title == "" && e.Description == "" && e.Author == nil && e.Image == nil && e.Thumbnail == nil && len(e.Fields) == 0 {
		return relay.Embed{}, false
	}
	return e, true
}

func replaceInValue(v any, tokens map[string]string) any {
	switch val := v.(type) {
	case string:
		return replaceTokens(val, tokens)
	case map[string]any:
		for k, inner := range val {
			val[k] = replaceInValue(inner, tokens)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = replaceInValue(inner, tokens)
		}
		return val
	default:
		return v
	}
}

func replaceTokens(text string, tokens map[string]string) string {
	if len(tokens) == 0 || !strings.Contains(text, "{") {
		return text
	}
	pairs := make([]string, 0, len(tokens)*2)
	for name, value := range tokens {
		if value == "" {
			value = missingValue
		}
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// truncate shortens s to at most max runes, ending it with "..." when cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}

func parseHex(s string) (int, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(s), "#"), "0x")
	c, err := strconv.ParseInt(s, 16, 32)
	if err != nil || c < 0 || c > 0xFFFFFF {
		return 0, false
	}
	return int(c), true
}

func validURL(s string) string {
	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		return s
	}
	return ""
}

func orBlank(s string) string {
	if s == "" {
		return "\u200b"
	}
	return s
}
