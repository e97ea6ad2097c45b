package tools

import "testing"

func TestPolicyEngine_Check(t *testing.T) {
	pe := NewPolicyEngine(true)

	tests := []struct {
		name    string
		req     PolicyRequest
		wantErr bool
	}{
		{"shell.exec denied for normal role", PolicyRequest{Tool: "shell.exec", Role: "normal"}, true},
		{"shell.exec allowed for admin", PolicyRequest{Tool: "shell.exec", Role: "admin"}, false},
		{
			"fs.write to protected file denied for normal role",
			PolicyRequest{Tool: "fs.write", Role: "normal", Args: map[string]interface{}{"path": "IDENTITY.md"}},
			true,
		},
		{
			"fs.write to protected file allowed for admin",
			PolicyRequest{Tool: "fs.write", Role: "admin", Args: map[string]interface{}{"path": "IDENTITY.md"}},
			false,
		},
		{
			"fs.write under skills/ denied for normal role",
			PolicyRequest{Tool: "fs.write", Role: "normal", Args: map[string]interface{}{"path": "skills/foo/SKILL.md"}},
			true,
		},
		{
			"fs.write to ordinary file allowed for normal role",
			PolicyRequest{Tool: "fs.write", Role: "normal", Args: map[string]interface{}{"path": "notes.md"}},
			false,
		},
		{
			"memory.write global scope denied for normal role",
			PolicyRequest{Tool: "memory.write", Role: "normal", Args: map[string]interface{}{"scope": "global"}},
			true,
		},
		{
			"memory.write chat scope allowed for normal role",
			PolicyRequest{Tool: "memory.write", Role: "normal", Args: map[string]interface{}{"scope": "chat"}},
			false,
		},
		{
			"message.send to own chat allowed for normal role",
			PolicyRequest{
				Tool: "message.send", Role: "normal", CallerChannel: "cli", CallerChatID: "local",
				Args: map[string]interface{}{"channel": "cli", "chatId": "local"},
			},
			false,
		},
		{
			"message.send to a different chat denied for normal role",
			PolicyRequest{
				Tool: "message.send", Role: "normal", CallerChannel: "cli", CallerChatID: "local",
				Args: map[string]interface{}{"channel": "cli", "chatId": "someone-else"},
			},
			true,
		},
		{
			"message.send to a different chat allowed for admin",
			PolicyRequest{
				Tool: "message.send", Role: "admin", CallerChannel: "cli", CallerChatID: "local",
				Args: map[string]interface{}{"channel": "cli", "chatId": "someone-else"},
			},
			false,
		},
		{
			"chat.register requesting admin never denied directly (routed to bootstrap)",
			PolicyRequest{Tool: "chat.register", Role: "normal", Args: map[string]interface{}{"role": "admin"}},
			false,
		},
		{
			"mcp tool denied without allowlist entry",
			PolicyRequest{Tool: "mcp.github.search", Role: "admin", McpAllowedTools: nil},
			true,
		},
		{
			"mcp tool allowed with exact allowlist entry and admin role",
			PolicyRequest{Tool: "mcp.github.search", Role: "admin", McpAllowedTools: []string{"mcp.github.search"}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pe.Check(tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyEngine_Check_ShellExecDeniedForEveryRoleWhenDisallowed(t *testing.T) {
	pe := NewPolicyEngine(false)

	if err := pe.Check(PolicyRequest{Tool: "shell.exec", Role: "admin"}); err == nil {
		t.Fatal("expected shell.exec to be denied to admin when allowShell=false")
	}
	if err := pe.Check(PolicyRequest{Tool: "shell.exec", Role: "normal"}); err == nil {
		t.Fatal("expected shell.exec to be denied to a normal caller when allowShell=false")
	}
}

func TestRedactArgs(t *testing.T) {
	args := map[string]interface{}{
		"bootstrapKey":   "secret-value",
		"authToken":      "another-secret",
		"apiKey":         "key-value",
		"userPassword":   "p4ss",
		"mySecretPhrase": "shh",
		"path":           "notes.md",
	}

	redacted := RedactArgs(args)

	for _, key := range []string{"bootstrapKey", "authToken", "apiKey", "userPassword", "mySecretPhrase"} {
		if redacted[key] != "[REDACTED]" {
			t.Errorf("expected %q to be redacted, got %v", key, redacted[key])
		}
	}
	if redacted["path"] != "notes.md" {
		t.Errorf("expected non-sensitive key \"path\" to survive unredacted, got %v", redacted["path"])
	}
}
