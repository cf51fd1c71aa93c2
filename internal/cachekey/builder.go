// Package cachekey canonicalizes generation requests and derives the cache key
// and content hash used for result deduplication.
package cachekey

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/hash/sha256"
)

const (
	// DefaultSchemaVersion is bumped whenever canonicalization changes in a way
	// that must invalidate previously cached results.
	DefaultSchemaVersion = "v1"
	defaultPurpose       = "default"
	keyPrefix            = "generation:"
	digestLen            = 16
)

var segmentEscaper = strings.NewReplacer("|", "%7C", ",", "%2C")

// Builder turns requests into canonical form and derives keys from it.
type Builder struct {
	schema string
	hasher *sha256.Hasher
}

// New returns a Builder for the given schema version (DefaultSchemaVersion when empty).
func New(schema string) *Builder {
	if strings.TrimSpace(schema) == "" {
		schema = DefaultSchemaVersion
	}
	return &Builder{schema: schema, hasher: sha256.New()}
}

// Canonicalize normalizes the request: trimmed and lower-cased enums, collapsed
// prompt whitespace, sorted and de-duplicated scene refs, normalized params and
// defaulted optionals.
func (b *Builder) Canonicalize(req genjob.Request) (genjob.Canonical, error) {
	op := strings.ToLower(strings.TrimSpace(req.OpType))
	if op == "" {
		return genjob.Canonical{}, fmt.Errorf("%w: op_type is required", genjob.ErrInvalidParams)
	}
	prompt := strings.Join(strings.Fields(req.Prompt), " ")
	if prompt == "" {
		return genjob.Canonical{}, fmt.Errorf("%w: prompt is required", genjob.ErrInvalidParams)
	}

	strategy := genjob.CacheStrategy(strings.ToLower(strings.TrimSpace(string(req.CacheStrategy))))
	if strategy == "" {
		strategy = genjob.CacheOnce
	}
	if !strategy.Valid() {
		return genjob.Canonical{}, fmt.Errorf("%w: unknown cache strategy %q", genjob.ErrInvalidParams, req.CacheStrategy)
	}

	scope, err := scopeFor(strategy, req)
	if err != nil {
		return genjob.Canonical{}, err
	}

	purpose := strings.ToLower(strings.TrimSpace(req.Purpose))
	if purpose == "" {
		purpose = defaultPurpose
	}

	return genjob.Canonical{
		OpType:         op,
		Prompt:         prompt,
		NegativePrompt: strings.Join(strings.Fields(req.NegativePrompt), " "),
		Model:          strings.TrimSpace(req.Model),
		Purpose:        purpose,
		SceneRefs:      normalizeRefs(req.SceneRefs),
		Seed:           req.Seed,
		Params:         normalizeParams(req.Params),
		CacheStrategy:  strategy,
		Scope:          scope,
		SchemaVersion:  b.schema,
	}, nil
}

// ComputeKey builds the deterministic string key:
//
//	generation:<op>|<purpose>|<scenes>|<seed>|<digest>|<scope>|<strategy>|<schema>
func (b *Builder) ComputeKey(c genjob.Canonical) string {
	digest := b.ComputeContentHash(c)[:digestLen]
	scenes := make([]string, len(c.SceneRefs))
	for i, ref := range c.SceneRefs {
		scenes[i] = segmentEscaper.Replace(ref)
	}
	segments := []string{
		segmentEscaper.Replace(c.OpType),
		segmentEscaper.Replace(c.Purpose),
		strings.Join(scenes, ","),
		strconv.FormatInt(c.Seed, 10),
		digest,
		segmentEscaper.Replace(c.Scope),
		string(c.CacheStrategy),
		c.SchemaVersion,
	}
	return keyPrefix + strings.Join(segments, "|")
}

// ComputeContentHash hashes the generation payload. Purpose and strategy are
// labels rather than payload, so they do not participate.
func (b *Builder) ComputeContentHash(c genjob.Canonical) string {
	payload := struct {
		OpType         string            `json:"op"`
		Prompt         string            `json:"prompt"`
		NegativePrompt string            `json:"negative_prompt"`
		Model          string            `json:"model"`
		SceneRefs      []string          `json:"scenes"`
		Seed           int64             `json:"seed"`
		Params         map[string]string `json:"params"`
		Scope          string            `json:"scope"`
		SchemaVersion  string            `json:"schema"`
	}{
		OpType:         c.OpType,
		Prompt:         c.Prompt,
		NegativePrompt: c.NegativePrompt,
		Model:          c.Model,
		SceneRefs:      c.SceneRefs,
		Seed:           c.Seed,
		Params:         c.Params,
		Scope:          c.Scope,
		SchemaVersion:  c.SchemaVersion,
	}
	// Only strings, ints and a string map: encoding cannot fail.
	digest, _ := b.hasher.HashJSON(payload)
	return digest
}

func scopeFor(strategy genjob.CacheStrategy, req genjob.Request) (string, error) {
	switch strategy {
	case genjob.CachePerPlayer:
		owner := strings.TrimSpace(req.Owner)
		if owner == "" {
			return "", fmt.Errorf("%w: per_player strategy requires owner", genjob.ErrInvalidParams)
		}
		return "player:" + owner, nil
	case genjob.CachePerPlaythrough:
		id := strings.TrimSpace(req.PlaythroughID)
		if id == "" {
			return "", fmt.Errorf("%w: per_playthrough strategy requires playthrough_id", genjob.ErrInvalidParams)
		}
		return "playthrough:" + id, nil
	default:
		return "", nil
	}
}

func normalizeRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref != "" {
			out = append(out, ref)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizeParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
