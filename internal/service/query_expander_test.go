package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestQueryExpander_Rules(t *testing.T) {
	e := NewQueryExpander(nil, nil, 0, zap.NewNop())

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"email?", "What is your email address?", true},
		{"Your E-mail", "What is your email address?", true},
		{"age", "How old are you?", true},
		{"github", "What is your github profile?", true},
		{"skills", "What are your skills?", true},
		{"What is your name?", "What is your name?", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := e.ExpandByRules(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryExpander_ModelFallback(t *testing.T) {
	completer := &fakeCompleter{fn: func(context.Context, Prompt) (string, error) {
		return "\"What is your favourite book?\"\nextra commentary", nil
	}}
	e := NewQueryExpander(nil, completer, 0, zap.NewNop())

	assert.Equal(t, "What is your favourite book?", e.Expand(context.Background(), "favourite book"))
	assert.EqualValues(t, 1, completer.calls.Load())

	// longer questions never reach the model
	long := "which book did you enjoy most"
	assert.Equal(t, long, e.Expand(context.Background(), long))
	assert.EqualValues(t, 1, completer.calls.Load())

	// rule matches never reach the model
	assert.Equal(t, "How old are you?", e.Expand(context.Background(), "age"))
	assert.EqualValues(t, 1, completer.calls.Load())
}

func TestQueryExpander_FallbackFailureKeepsQuery(t *testing.T) {
	failing := &fakeCompleter{fn: func(context.Context, Prompt) (string, error) {
		return "", errors.New("boom")
	}}
	assert.Equal(t, "favourite book", NewQueryExpander(nil, failing, 0, zap.NewNop()).Expand(context.Background(), "favourite book"))

	empty := &fakeCompleter{fn: func(context.Context, Prompt) (string, error) {
		return "  ", nil
	}}
	assert.Equal(t, "favourite book", NewQueryExpander(nil, empty, 0, zap.NewNop()).Expand(context.Background(), "favourite book"))
}
