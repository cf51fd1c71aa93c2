package cachekey

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

func TestComputeKey_TextToVideoOnce(t *testing.T) {
	t.Parallel()

	b := New("")
	c, err := b.Canonicalize(genjob.Request{OpType: "text_to_video", Prompt: "a cat", CacheStrategy: "once"})
	require.NoError(t, err)

	key := b.ComputeKey(c)
	require.True(t, strings.HasPrefix(key, "generation:text_to_video|"), key)
	require.True(t, strings.HasSuffix(key, "|once|v1"), key)
	require.Equal(t, key, b.ComputeKey(c))
}

func TestCanonicalize_OrderIndependent(t *testing.T) {
	t.Parallel()

	b := New("v1")
	first, err := b.Canonicalize(genjob.Request{
		OpType:    " Text_To_Image ",
		Prompt:    "a   red\tfox",
		SceneRefs: []string{"forest", "night", "forest"},
		Params:    map[string]string{"Aspect": "16:9", "style": " noir "},
	})
	require.NoError(t, err)
	second, err := b.Canonicalize(genjob.Request{
		OpType:        "text_to_image",
		Prompt:        "a red fox",
		SceneRefs:     []string{"night", "forest"},
		Params:        map[string]string{"style": "noir", "aspect": "16:9"},
		CacheStrategy: genjob.CacheOnce,
	})
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, b.ComputeKey(first), b.ComputeKey(second))
	require.Equal(t, b.ComputeContentHash(first), b.ComputeContentHash(second))
	require.Equal(t, []string{"forest", "night"}, first.SceneRefs)
	require.Equal(t, "default", first.Purpose)
}

func TestCanonicalize_MissingFields(t *testing.T) {
	t.Parallel()

	b := New("")
	tests := []struct {
		name string
		req  genjob.Request
	}{
		{name: "no op", req: genjob.Request{Prompt: "x"}},
		{name: "no prompt", req: genjob.Request{OpType: "text_to_video", Prompt: "   "}},
		{name: "bad strategy", req: genjob.Request{OpType: "t", Prompt: "x", CacheStrategy: "sometimes"}},
		{name: "per player without owner", req: genjob.Request{OpType: "t", Prompt: "x", CacheStrategy: "per_player"}},
		{
			name: "per playthrough without id",
			req:  genjob.Request{OpType: "t", Prompt: "x", CacheStrategy: "per_playthrough", Owner: "o"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := b.Canonicalize(tc.req)
			require.True(t, errors.Is(err, genjob.ErrInvalidParams), "err = %v", err)
		})
	}
}

func TestComputeKey_DistinctPromptsDistinctKeys(t *testing.T) {
	t.Parallel()

	b := New("")
	cat, err := b.Canonicalize(genjob.Request{OpType: "text_to_video", Prompt: "a cat"})
	require.NoError(t, err)
	dog, err := b.Canonicalize(genjob.Request{OpType: "text_to_video", Prompt: "a dog"})
	require.NoError(t, err)
	require.NotEqual(t, b.ComputeKey(cat), b.ComputeKey(dog))
}

func TestContentHash_IgnoresPurposeButNotScope(t *testing.T) {
	t.Parallel()

	b := New("")
	intro, err := b.Canonicalize(genjob.Request{OpType: "text_to_image", Prompt: "castle", Purpose: "intro"})
	require.NoError(t, err)
	outro, err := b.Canonicalize(genjob.Request{OpType: "text_to_image", Prompt: "castle", Purpose: "outro"})
	require.NoError(t, err)
	require.NotEqual(t, b.ComputeKey(intro), b.ComputeKey(outro))
	require.Equal(t, b.ComputeContentHash(intro), b.ComputeContentHash(outro))

	p1, err := b.Canonicalize(genjob.Request{
		OpType: "text_to_image", Prompt: "castle", CacheStrategy: "per_player", Owner: "p1",
	})
	require.NoError(t, err)
	p2, err := b.Canonicalize(genjob.Request{
		OpType: "text_to_image", Prompt: "castle", CacheStrategy: "per_player", Owner: "p2",
	})
	require.NoError(t, err)
	require.NotEqual(t, b.ComputeContentHash(p1), b.ComputeContentHash(p2))
	require.Contains(t, b.ComputeKey(p1), "|player:p1|per_player|")
}

func TestComputeKey_EscapesSeparators(t *testing.T) {
	t.Parallel()

	b := New("")
	c, err := b.Canonicalize(genjob.Request{
		OpType: "text_to_image", Prompt: "x", Purpose: "a|b", SceneRefs: []string{"s,1"},
	})
	require.NoError(t, err)
	key := b.ComputeKey(c)
	require.Contains(t, key, "a%7Cb")
	require.Contains(t, key, "s%2C1")
	require.Len(t, strings.Split(strings.TrimPrefix(key, "generation:"), "|"), 8)
}

func TestSchemaVersionChangesKeyAndHash(t *testing.T) {
	t.Parallel()

	req := genjob.Request{OpType: "text_to_video", Prompt: "a cat"}
	v1 := New("v1")
	v2 := New("v2")
	c1, err := v1.Canonicalize(req)
	require.NoError(t, err)
	c2, err := v2.Canonicalize(req)
	require.NoError(t, err)
	require.NotEqual(t, v1.ComputeKey(c1), v2.ComputeKey(c2))
	require.NotEqual(t, v1.ComputeContentHash(c1), v2.ComputeContentHash(c2))
}
