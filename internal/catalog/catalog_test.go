// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	areaerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

const testCatalog = `
services:
  - name: github
    actions:
      - name: new_issue
        config_schema:
          fields:
            - name: repository
              kind: string
              required: true
              pattern: '^[\w.-]+/[\w.-]+$'
            - name: labels
              kind: array
              max_length: 5
  - name: timer
    requires_auth: false
    actions:
      - name: every_interval
        config_schema:
          fields:
            - name: minutes
              kind: int
              default: 5
              min: 1
              rule: 'value % 5 == 0'
  - name: slack
    reactions:
      - name: post_message
        config_schema:
          fields:
            - name: channel
              kind: string
              required: true
              min_length: 2
            - name: format
              kind: string
              enum: [plain, markdown]
              default: plain
compatibility:
  new_issue: [post_message]
  every_interval: ["*"]
`

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := New()
	require.NoError(t, c.Load(strings.NewReader(testCatalog)))
	return c
}

func TestLoad(t *testing.T) {
	c := newTestCatalog(t)

	services := c.Services()
	require.Len(t, services, 3)
	assert.Equal(t, "github", services[0].Name)
	assert.Equal(t, ServiceActive, services[0].Status)

	_, svc, ok := c.Action("new_issue")
	require.True(t, ok)
	assert.Equal(t, "github", svc)

	assert.True(t, c.NeedsCredential("github"))
	assert.False(t, c.NeedsCredential("timer"))
	assert.True(t, c.NeedsCredential("unknown"))

	assert.True(t, c.Compatible("new_issue", "post_message"))
	assert.False(t, c.Compatible("new_issue", "send_email"))
	assert.True(t, c.Compatible("every_interval", "anything"))
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "services:\n  - name: x\n    colour: red\n"},
		{"bad kind", "services:\n  - name: x\n    actions:\n      - name: a\n        config_schema:\n          fields:\n            - {name: f, kind: date}\n"},
		{"bad pattern", "services:\n  - name: x\n    actions:\n      - name: a\n        config_schema:\n          fields:\n            - {name: f, kind: string, pattern: '('}\n"},
		{"bad rule", "services:\n  - name: x\n    actions:\n      - name: a\n        config_schema:\n          fields:\n            - {name: f, kind: int, rule: 'value +'}\n"},
		{"duplicate action", "services:\n  - name: x\n    actions: [{name: a}]\n  - name: y\n    actions: [{name: a}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, New().Load(strings.NewReader(tt.doc)))
		})
	}
}

func TestValidateAutomation(t *testing.T) {
	c := newTestCatalog(t)

	a := &store.Automation{
		TriggerAction:  "new_issue",
		Reaction:       "post_message",
		TriggerConfig:  map[string]any{"repository": "a/b"},
		ReactionConfig: map[string]any{"channel": "#dev"},
	}
	require.NoError(t, c.ValidateAutomation(a))
	assert.Equal(t, "github", a.TriggerService)
	assert.Equal(t, "slack", a.ReactionService)
	assert.Equal(t, "plain", a.ReactionConfig["format"], "default applied")
}

func TestValidateAutomation_Errors(t *testing.T) {
	tests := []struct {
		name    string
		a       store.Automation
		wantErr string
	}{
		{
			name:    "unknown action",
			a:       store.Automation{TriggerAction: "nope", Reaction: "post_message"},
			wantErr: "unknown action",
		},
		{
			name:    "service mismatch",
			a:       store.Automation{TriggerAction: "new_issue", Reaction: "post_message", TriggerService: "timer"},
			wantErr: "belongs to github",
		},
		{
			name: "missing required fields",
			a: store.Automation{
				TriggerAction: "new_issue",
				Reaction:      "post_message",
			},
			wantErr: "trigger_config.repository: is required",
		},
		{
			name: "pattern mismatch",
			a: store.Automation{
				TriggerAction:  "new_issue",
				Reaction:       "post_message",
				TriggerConfig:  map[string]any{"repository": "not a repo"},
				ReactionConfig: map[string]any{"channel": "#dev"},
			},
			wantErr: "must match",
		},
		{
			name: "enum violation",
			a: store.Automation{
				TriggerAction:  "new_issue",
				Reaction:       "post_message",
				TriggerConfig:  map[string]any{"repository": "a/b"},
				ReactionConfig: map[string]any{"channel": "#dev", "format": "html"},
			},
			wantErr: "must be one of",
		},
		{
			name: "unknown field",
			a: store.Automation{
				TriggerAction:  "new_issue",
				Reaction:       "post_message",
				TriggerConfig:  map[string]any{"repository": "a/b", "branch": "main"},
				ReactionConfig: map[string]any{"channel": "#dev"},
			},
			wantErr: "trigger_config.branch: is not a known field",
		},
		{
			name: "rule violation",
			a: store.Automation{
				TriggerAction:  "every_interval",
				Reaction:       "post_message",
				TriggerConfig:  map[string]any{"minutes": 7},
				ReactionConfig: map[string]any{"channel": "#dev"},
			},
			wantErr: "does not satisfy rule",
		},
	}

	c := newTestCatalog(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.a
			err := c.ValidateAutomation(&a)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var verr *areaerrors.ValidationError
			assert.True(t, areaerrors.As(err, &verr))
			assert.False(t, areaerrors.IsRetryable(err))
		})
	}
}

func TestValidateAutomation_IncompatibleReaction(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.Register(Service{
		Name:      "mail",
		Reactions: []Definition{{Name: "send_email"}},
	}))

	a := &store.Automation{
		TriggerAction: "new_issue",
		Reaction:      "send_email",
		TriggerConfig: map[string]any{"repository": "a/b"},
	}
	err := c.ValidateAutomation(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot follow")
}

func TestValidateAutomation_InactiveService(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.SetStatus("slack", ServiceInactive))

	a := &store.Automation{
		TriggerAction:  "new_issue",
		Reaction:       "post_message",
		TriggerConfig:  map[string]any{"repository": "a/b"},
		ReactionConfig: map[string]any{"channel": "#dev"},
	}
	err := c.ValidateAutomation(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service slack is inactive")
}

func TestRegister_LeavesCallerFieldsUntouched(t *testing.T) {
	fields := []Field{{Name: "channel", Kind: KindString, Pattern: `^#`, Rule: `value != ""`}}
	c := New()
	require.NoError(t, c.Register(Service{
		Name:    "chat",
		Actions: []Definition{{Name: "message_posted", Schema: Schema{Fields: fields}}},
	}))
	require.NoError(t, c.Register(Service{
		Name:      "chat-archive",
		Reactions: []Definition{{Name: "archive_message", Schema: Schema{Fields: fields}}},
	}))

	assert.Nil(t, fields[0].pattern)
	assert.Nil(t, fields[0].rule)

	fields[0].Pattern = "^@"
	def, _, ok := c.Action("message_posted")
	require.True(t, ok)
	_, err := def.Schema.Validate("trigger_config", map[string]any{"channel": "#general"})
	assert.NoError(t, err, "registered schema keeps its own compiled pattern")
}

func TestSchema_Kinds(t *testing.T) {
	one := 1
	s := Schema{Fields: []Field{
		{Name: "count", Kind: KindInt},
		{Name: "ratio", Kind: KindNumber},
		{Name: "enabled", Kind: KindBool},
		{Name: "extra", Kind: KindObject},
		{Name: "items", Kind: KindArray, MinLength: &one},
	}}
	require.NoError(t, s.compile())

	_, err := s.Validate("cfg", map[string]any{
		"count":   float64(3),
		"ratio":   0.5,
		"enabled": true,
		"extra":   map[string]any{"k": "v"},
		"items":   []any{"x"},
	})
	require.NoError(t, err)

	_, err = s.Validate("cfg", map[string]any{
		"count":   2.5,
		"ratio":   "high",
		"enabled": "yes",
		"extra":   []any{},
		"items":   []any{},
	})
	require.Error(t, err)
	for _, want := range []string{
		"cfg.count: must be an integer",
		"cfg.ratio: must be a number",
		"cfg.enabled: must be a boolean",
		"cfg.extra: must be an object",
		"cfg.items: must have at least 1 items",
	} {
		assert.Contains(t, err.Error(), want)
	}
}
