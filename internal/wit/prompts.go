package wit

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/psyche/internal/types"
)

const clock = "15:04:05"

func senseLines(items []types.Sensation) string {
	var b strings.Builder
	for _, s := range items {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", s.At.Format(clock), s.What.Kind, s.What.Text)
	}
	return b.String()
}

func impressionLines[T any](items []types.Impression[T]) string {
	var b strings.Builder
	for _, imp := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", imp.At.Format(clock), imp.Headline)
		if imp.Details != "" {
			fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(imp.Details, "\n", "\n  "))
		}
	}
	return b.String()
}

func quickPrompt(agent string) Prompter[types.Sensation] {
	return func(_ string, items []types.Sensation) string {
		return fmt.Sprintf(`You are the fast perceptual sense of %s.
These raw sensations arrived within the last instant:
%s
In one sentence, in the first person and present tense, say what %s is perceiving right now.
Mention only what the sensations support.`, agent, senseLines(items), agent)
	}
}

func momentPrompt(agent string) Prompter[types.Instant] {
	return func(_ string, items []types.Instant) string {
		return fmt.Sprintf(`You are the short-term awareness of %s.
These instants just happened, oldest first:
%s
Combine them into one moment. Write a short headline on the first line,
then one or two sentences of detail.`, agent, impressionLines(items))
	}
}

func situationPrompt(agent string) Prompter[types.Moment] {
	return func(prev string, items []types.Moment) string {
		return fmt.Sprintf(`You track the ongoing situation of %s.
Previous situation:
%s
New moments since then:
%s
Given the previous situation and these new moments, describe the current situation.
Write a short headline on the first line, then a brief paragraph. Keep what still holds,
drop what no longer does.`, agent, prev, impressionLines(items))
	}
}

func episodePrompt(agent string) Prompter[types.Situation] {
	return func(_ string, items []types.Situation) string {
		return fmt.Sprintf(`You are the episodic memory of %s.
These situations make up the episode that just ended:
%s
Summarize the episode as a memory %s will keep: a title on the first line,
then what happened, who was involved and how it ended.`, agent, impressionLines(items), agent)
	}
}

func identityPrompt(agent string, trim func(string) string) Prompter[types.Episode] {
	return func(prev string, items []types.Episode) string {
		return fmt.Sprintf(`You are the self-narrative of %s.
The story so far:
%s
Recent episodes:
%s
Continue the story of who %s is, in the first person. Put a one-line sense of self
on the first line, then the updated story. Keep earlier chapters brief.`, agent, orNone(trim(prev)), impressionLines(items), agent)
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none yet)"
	}
	return s
}

func facesSensation(f types.FaceInfo) types.Sensation {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	text := "I see no faces."
	switch {
	case f.Count == 1 && len(f.Names) == 1:
		text = "I see " + f.Names[0] + "."
	case f.Count > 0 && len(f.Names) > 0:
		text = fmt.Sprintf("I see %d faces, including %s.", f.Count, strings.Join(f.Names, ", "))
	case f.Count > 0:
		text = fmt.Sprintf("I see %d unfamiliar faces.", f.Count)
	}
	return types.Sensation{What: types.Sense{Kind: types.KindVision, Text: text}, At: at}
}
