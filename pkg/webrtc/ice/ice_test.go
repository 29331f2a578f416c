package ice

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func TestServers(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		mode     string
		urls     [][]string
	}{
		{
			name:     "defaults",
			settings: Settings{},
			mode:     ModeSTUNTURN,
			urls:     [][]string{DefaultSTUN},
		},
		{
			name: "stun and turn",
			settings: Settings{
				STUNURLs:     []string{"stun:a:3478", " "},
				TURNURLs:     []string{"turn:b:3478"},
				TURNUsername: "u",
				TURNPassword: "p",
			},
			mode: ModeSTUNTURN,
			urls: [][]string{{"stun:a:3478"}, {"turn:b:3478"}},
		},
		{
			name:     "stun only ignores turn",
			settings: Settings{Mode: "STUN-ONLY", TURNURLs: []string{"turn:b:3478"}},
			mode:     ModeSTUNOnly,
			urls:     [][]string{DefaultSTUN},
		},
		{
			name:     "turn only without turn falls back",
			settings: Settings{Mode: "turn-only"},
			mode:     ModeTURNOnly,
			urls:     [][]string{DefaultSTUN},
		},
		{
			name:     "turn only",
			settings: Settings{Mode: "turn-only", STUNURLs: []string{"stun:a"}, TURNURLs: []string{"turn:b"}},
			mode:     ModeTURNOnly,
			urls:     [][]string{{"turn:b"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, servers := Servers(tt.settings, zerolog.Nop())
			if mode != tt.mode {
				t.Fatalf("mode = %s, want %s", mode, tt.mode)
			}
			var got [][]string
			for _, s := range servers {
				got = append(got, s.URLs)
			}
			if !reflect.DeepEqual(got, tt.urls) {
				t.Fatalf("urls = %v, want %v", got, tt.urls)
			}
		})
	}
}

func TestTURNCredentials(t *testing.T) {
	_, servers := Servers(Settings{TURNURLs: []string{"turn:b"}, TURNUsername: " u ", TURNPassword: "p"}, zerolog.Nop())
	turn := servers[len(servers)-1]
	if turn.Username != "u" || turn.Credential != "p" {
		t.Fatalf("credentials = %q/%q", turn.Username, turn.Credential)
	}
}

func TestSplitCSV(t *testing.T) {
	if got := SplitCSV(" a, ,b ,"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("split = %v", got)
	}
	if got := SplitCSV(""); got != nil {
		t.Fatalf("split empty = %v", got)
	}
}
