package schedule

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/config"
)

func TestNewValidatesTriggers(t *testing.T) {
	tests := []struct {
		name     string
		triggers []config.TriggerSpec
		wantErr  string
	}{
		{"empty list", nil, ""},
		{"valid", []config.TriggerSpec{{Cron: "0 9 * * 1-5", Prompt: "morning report"}}, ""},
		{"every minute", []config.TriggerSpec{{Cron: "* * * * *", Prompt: "tick"}}, ""},
		{"bad expression", []config.TriggerSpec{{Cron: "not cron", Prompt: "x"}}, "invalid cron"},
		{"missing prompt", []config.TriggerSpec{{Cron: "0 * * * *"}}, "no prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, nil, tt.triggers)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("New: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("New error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStopBeforeStart(t *testing.T) {
	s, err := New(nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Stop() // must not panic or block
}
