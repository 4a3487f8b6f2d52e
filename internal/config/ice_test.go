package config

import "testing"

func TestParseICEServersJSON_SingleAndList(t *testing.T) {
	raw := `[
		{"urls":"stun:stun.example.test:3478"},
		{"urls":["turn:turn.example.test:3478"],"username":"u","credential":"c"}
	]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.test:3478" {
		t.Fatalf("unexpected stun url %q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" {
		t.Fatalf("unexpected turn username %q", servers[1].Username)
	}
}

func TestParseICEServersJSON_TurnRequiresCredentials(t *testing.T) {
	raw := `[{"urls":"turn:turn.example.test:3478"}]`
	if _, err := ParseICEServersJSON(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	raw := `[{"urls":"https://example.test"}]`
	if _, err := ParseICEServersJSON(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.test:3478, stun:b.test:3478",
		"turn:c.test:3478",
		"user", "pass",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("got %d stun urls", len(servers[0].URLs))
	}
}

func TestParseICEServersFromConvenienceEnv_TurnWithoutCreds(t *testing.T) {
	if _, err := ParseICEServersFromConvenienceEnv("", "turn:c.test:3478", "", ""); err == nil {
		t.Fatalf("expected error")
	}
}
