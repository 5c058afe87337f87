package router

import (
	"strings"
	"testing"
)

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"pools", "pools"},
		{"  Pools ", "pools"},
		{"chat-id", "chat_id"},
		{"a b", "a_b"},
		{"__x__", "x"},
		{"héllo", "hllo"},
		{"", ""},
		{"!!!", ""},
		{"42x", "cmd_42x"},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := sanitizeTelegramCommand(tt.in); got != tt.want {
				t.Fatalf("sanitizeTelegramCommand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildTelegramMenuCommands(t *testing.T) {
	t.Parallel()

	cmds := []Command{
		{Name: "pools", Description: "list configured pools", Access: AccessEveryone},
		{Name: "reload", Description: "reload config", Access: AccessOwnerOnly},
		{Name: "pools", Description: "duplicate, dropped"},
		{Name: "", Description: "nameless, dropped"},
	}

	menu := buildTelegramMenuCommands(cmds)
	if len(menu) != 2 {
		t.Fatalf("len(menu) = %d, want 2", len(menu))
	}
	if menu[0].Command != "pools" || menu[0].Description != "list configured pools" {
		t.Fatalf("menu[0] = %+v", menu[0])
	}
	if menu[1].Command != "reload" {
		t.Fatalf("menu[1].Command = %q, want reload", menu[1].Command)
	}
	if !strings.HasPrefix(menu[1].Description, "🔒 ") {
		t.Fatalf("owner-only description %q missing lock prefix", menu[1].Description)
	}
}

func TestBuildTelegramMenuCommandsDescriptionFallback(t *testing.T) {
	t.Parallel()

	menu := buildTelegramMenuCommands([]Command{{Name: "stats"}})
	if len(menu) != 1 {
		t.Fatalf("len(menu) = %d, want 1", len(menu))
	}
	if menu[0].Description != "stats" {
		t.Fatalf("Description = %q, want command name fallback", menu[0].Description)
	}
}
