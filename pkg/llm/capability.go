package llm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"
)

// Instruction is a single self-contained request to a model.
type Instruction struct {
	Prompt string
	Images [][]byte
}

// InstructionFollower turns an instruction into a text response. It must be
// safe for concurrent use.
type InstructionFollower interface {
	Follow(ctx context.Context, instr Instruction) (string, error)
}

// Chatter streams a reply to a conversation. The returned channel is finite
// and cannot be restarted.
type Chatter interface {
	Chat(ctx context.Context, system string, history []Message) (<-chan Delta, error)
}

// FollowerFunc adapts a plain function to InstructionFollower.
type FollowerFunc func(ctx context.Context, instr Instruction) (string, error)

func (f FollowerFunc) Follow(ctx context.Context, instr Instruction) (string, error) {
	return f(ctx, instr)
}

// Follower implements InstructionFollower on top of a Provider, retrying
// transient failures according to its policy.
type Follower struct {
	provider Provider
	retry    *RetryPolicy
}

// NewFollower wraps provider. A nil policy disables retries.
func NewFollower(provider Provider, retry *RetryPolicy) *Follower {
	if retry == nil {
		retry = &RetryPolicy{MaxAttempts: 1}
	}
	return &Follower{provider: provider, retry: retry}
}

// Follow sends the instruction as a single user message.
func (f *Follower) Follow(ctx context.Context, instr Instruction) (string, error) {
	messages := []Message{{Role: "user", Content: instr.Prompt, Images: instr.Images}}
	var out string
	err := f.retry.Execute(ctx, func() error {
		resp, err := f.provider.Complete(ctx, messages)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(resp.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("follow instruction: %w", err)
	}
	return out, nil
}

// ProviderChatter implements Chatter on top of a Provider's streaming call.
type ProviderChatter struct {
	provider Provider
}

func NewChatter(provider Provider) *ProviderChatter {
	return &ProviderChatter{provider: provider}
}

// Chat prefixes history with the system prompt and streams the reply.
func (c *ProviderChatter) Chat(ctx context.Context, system string, history []Message) (<-chan Delta, error) {
	messages := make([]Message, 0, len(history)+1)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, history...)
	stream, err := c.provider.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("start chat stream: %w", err)
	}
	return stream, nil
}

// limited bounds the number of in-flight Follow calls.
type limited struct {
	next InstructionFollower
	sem  *semaphore.Weighted
}

// Limit returns a follower that allows at most n concurrent calls to next.
// Callers waiting for a slot give up when their context ends.
func Limit(next InstructionFollower, n int64) InstructionFollower {
	if n <= 0 {
		return next
	}
	return &limited{next: next, sem: semaphore.NewWeighted(n)}
}

func (l *limited) Follow(ctx context.Context, instr Instruction) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire model slot: %w", err)
	}
	defer l.sem.Release(1)
	return l.next.Follow(ctx, instr)
}
