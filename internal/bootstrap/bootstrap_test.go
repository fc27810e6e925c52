// ABOUTME: Tests for the template bootstrapper
// ABOUTME: Covers the three-seed success path and every fallback to the blank template

package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/chat"
	"github.com/2389/chatgate/internal/notify"
)

type fakeTemplates struct {
	cls       Classification
	clsErr    error
	exp       Expansion
	expErr    error
	calls     []string
	expandArg [2]string
}

func (f *fakeTemplates) Classify(ctx context.Context, message string, sel chat.Selection) (Classification, error) {
	f.calls = append(f.calls, "classify")
	return f.cls, f.clsErr
}

func (f *fakeTemplates) Expand(ctx context.Context, template, title string) (Expansion, error) {
	f.calls = append(f.calls, "expand")
	f.expandArg = [2]string{template, title}
	return f.exp, f.expErr
}

var sel = chat.Selection{ModelID: "gpt-4o", ProviderID: "OpenAI"}

func newTestBootstrapper(c TemplateClient, rec *notify.Recorder) *Bootstrapper {
	b := New(c, WithNotifier(rec))
	b.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return b
}

func TestTryBootstrap_Success(t *testing.T) {
	f := &fakeTemplates{
		cls: Classification{Template: "landing-page", Title: "Coffee shop"},
		exp: Expansion{AssistantMessage: "scaffold", UserMessage: "follow-up"},
	}
	rec := &notify.Recorder{}
	res := newTestBootstrapper(f, rec).TryBootstrap(context.Background(), "build a landing page", []string{"img1"}, sel)

	assert.False(t, res.Blank())
	assert.Equal(t, "landing-page", res.Template)
	assert.Equal(t, "Coffee shop", res.Title)
	assert.Equal(t, []string{"classify", "expand"}, f.calls)
	assert.Equal(t, [2]string{"landing-page", "Coffee shop"}, f.expandArg)

	require.Len(t, res.SeedMessages, 3)
	first, second, third := res.SeedMessages[0], res.SeedMessages[1], res.SeedMessages[2]

	assert.Equal(t, "1-1700000000000", first.ID)
	assert.Equal(t, chat.RoleUser, first.Role)
	assert.Equal(t, sel.Prefix()+"build a landing page", first.Text())
	assert.Equal(t, []string{"img1"}, first.Images())
	assert.False(t, first.IsHidden())

	assert.Equal(t, "2-1700000000000", second.ID)
	assert.Equal(t, chat.RoleAssistant, second.Role)
	assert.Equal(t, "scaffold", second.Text())

	assert.Equal(t, "3-1700000000000", third.ID)
	assert.Equal(t, chat.RoleUser, third.Role)
	assert.Equal(t, sel.Prefix()+"follow-up", third.Text())
	assert.True(t, third.IsHidden())

	assert.Empty(t, rec.Notices())
}

func TestTryBootstrap_BlankSkipsExpand(t *testing.T) {
	f := &fakeTemplates{cls: Classification{Template: chat.BlankTemplate}}
	rec := &notify.Recorder{}
	res := newTestBootstrapper(f, rec).TryBootstrap(context.Background(), "hi", nil, sel)

	assert.True(t, res.Blank())
	assert.Empty(t, res.SeedMessages)
	assert.Equal(t, []string{"classify"}, f.calls)
	assert.Empty(t, rec.Notices())
}

func TestTryBootstrap_ExpandRateLimited(t *testing.T) {
	f := &fakeTemplates{
		cls:    Classification{Template: "landing-page", Title: "x"},
		expErr: ErrRateLimited,
	}
	rec := &notify.Recorder{}
	res := newTestBootstrapper(f, rec).TryBootstrap(context.Background(), "hi", nil, sel)

	assert.Equal(t, chat.BlankTemplate, res.Template)
	assert.Empty(t, res.SeedMessages)

	warnings := rec.ByLevel(notify.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, RateLimitedNotice, warnings[0].Message)
}

func TestTryBootstrap_ExpandFailed(t *testing.T) {
	f := &fakeTemplates{
		cls:    Classification{Template: "landing-page"},
		expErr: errors.New("template not found"),
	}
	rec := &notify.Recorder{}
	res := newTestBootstrapper(f, rec).TryBootstrap(context.Background(), "hi", nil, sel)

	assert.True(t, res.Blank())
	warnings := rec.ByLevel(notify.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, FailedNotice, warnings[0].Message)
}

func TestTryBootstrap_ClassifyFailed(t *testing.T) {
	f := &fakeTemplates{clsErr: errors.New("network down")}
	rec := &notify.Recorder{}
	res := newTestBootstrapper(f, rec).TryBootstrap(context.Background(), "hi", nil, sel)

	assert.True(t, res.Blank())
	assert.Equal(t, []string{"classify"}, f.calls)
	require.Len(t, rec.Notices(), 1)
	assert.Equal(t, FailedNotice, rec.Notices()[0].Message)
}

func TestNew_NilNotifierFallback(t *testing.T) {
	b := New(&fakeTemplates{clsErr: errors.New("x")})
	res := b.TryBootstrap(context.Background(), "hi", nil, sel)
	assert.True(t, res.Blank())
}
