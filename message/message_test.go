package message

import (
	"strings"
	"testing"
)

func TestRenderPlain(t *testing.T) {
	tests := []struct {
		name     string
		template string
		tokens   map[string]string
		want     string
		wantOK   bool
	}{
		{
			name:     "tokens replaced",
			template: "{name} posted {link}",
			tokens:   map[string]string{"name": "loritta", "link": "https://twitter.com/loritta/status/1"},
			want:     "loritta posted https://twitter.com/loritta/status/1",
			wantOK:   true,
		},
		{
			name:     "missing value shrugs",
			template: "game: {game}",
			tokens:   map[string]string{"game": ""},
			want:     "game: 🤷",
			wantOK:   true,
		},
		{
			name:     "unknown token kept",
			template: "{nope}",
			tokens:   map[string]string{"name": "x"},
			want:     "{nope}",
			wantOK:   true,
		},
		{
			name:     "empty template",
			template: "   ",
			wantOK:   false,
		},
		{
			name:     "invalid json falls back to text",
			template: "{not json",
			want:     "{not json",
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Render(tt.template, tt.tokens)
			if ok != tt.wantOK {
				t.Fatalf("Render() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if msg.Content != tt.want {
				t.Errorf("Content = %q, want %q", msg.Content, tt.want)
			}
			if len(msg.Embeds) != 0 {
				t.Errorf("Embeds = %+v, want none", msg.Embeds)
			}
		})
	}
}

func TestRenderTruncatesContent(t *testing.T) {
	msg, ok := Render(strings.Repeat("a", 2500), nil)
	if !ok {
		t.Fatal("Render() ok = false")
	}
	if n := len([]rune(msg.Content)); n != 2000 {
		t.Errorf("len(Content) = %d, want 2000", n)
	}
	if !strings.HasSuffix(msg.Content, "...") {
		t.Errorf("Content does not end with ellipsis")
	}
}

func TestRenderJSON(t *testing.T) {
	template := `{
		"content": "{name} is live",
		"embed": {
			"title": "{title}",
			"url": "{link}",
			"hex": "#FF8800",
			"author": {"name": "{name}", "icon_url": "https://cdn.example/a.png"},
			"fields": [{"name": "Game", "value": "{game}", "inline": true}, {"name": "", "value": ""}],
			"footer": {"text": "via {source}"}
		}
	}`
	tokens := map[string]string{
		"name":   "loritta",
		"title":  "Playing games",
		"link":   "https://www.twitch.tv/loritta",
		"game":   "",
		"source": "twitch",
	}

	msg, ok := Render(template, tokens)
	if !ok {
		t.Fatal("Render() ok = false")
	}
	if msg.Content != "loritta is live" {
		t.Errorf("Content = %q", msg.Content)
	}
	if len(msg.Embeds) != 1 {
		t.Fatalf("len(Embeds) = %d, want 1", len(msg.Embeds))
	}
	e := msg.Embeds[0]
	if e.Title != "Playing games" || e.URL != "https://www.twitch.tv/loritta" {
		t.Errorf("Title/URL = %q/%q", e.Title, e.URL)
	}
	if e.Color != 0xFF8800 {
		t.Errorf("Color = %#x, want 0xff8800", e.Color)
	}
	if e.Author == nil || e.Author.Name != "loritta" || e.Author.IconURL != "https://cdn.example/a.png" {
		t.Errorf("Author = %+v", e.Author)
	}
	if len(e.Fields) != 2 || e.Fields[0].Value != "🤷" || !e.Fields[0].Inline {
		t.Fatalf("Fields = %+v", e.Fields)
	}
	if e.Fields[1].Name == "" || e.Fields[1].Value == "" {
		t.Errorf("blank field not filled: %+v", e.Fields[1])
	}
	if e.Footer == nil || e.Footer.Text != "via twitch" {
		t.Errorf("Footer = %+v", e.Footer)
	}
}

func TestRenderEmbedColor(t *testing.T) {
	tests := []struct {
		name  string
		embed string
		want  int
	}{
		{name: "int", embed: `{"title":"x","color":255}`, want: 255},
		{name: "rgb", embed: `{"title":"x","rgb":{"r":1,"g":2,"b":3}}`, want: 0x010203},
		{name: "hex with 0x", embed: `{"title":"x","hex":"0x00ff00"}`, want: 0x00FF00},
		{name: "bad hex", embed: `{"title":"x","hex":"zz"}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Render(`{"embed":`+tt.embed+`}`, nil)
			if !ok || len(msg.Embeds) != 1 {
				t.Fatalf("Render() = %+v, %v", msg, ok)
			}
			if msg.Embeds[0].Color != tt.want {
				t.Errorf("Color = %#x, want %#x", msg.Embeds[0].Color, tt.want)
			}
		})
	}
}

func TestRenderJSONEmpty(t *testing.T) {
	tests := []string{
		`{}`,
		`{"content": "  "}`,
		`{"embed": {"url": "https://example.com"}}`,
		`{"embed": "not an object"}`,
	}
	for _, template := range tests {
		if msg, ok := Render(template, nil); ok {
			t.Errorf("Render(%s) = %+v, want empty", template, msg)
		}
	}
}

func TestRenderEmbedLimits(t *testing.T) {
	long := strings.Repeat("x", 3000)
	msg, ok := Render(`{"embed":{"title":"`+long+`","description":"`+long+`"}}`, nil)
	if !ok {
		t.Fatal("Render() ok = false")
	}
	e := msg.Embeds[0]
	if n := len([]rune(e.Title)); n != 256 {
		t.Errorf("len(Title) = %d, want 256", n)
	}
	if n := len([]rune(e.Description)); n != 2048 {
		t.Errorf("len(Description) = %d, want 2048", n)
	}
}
