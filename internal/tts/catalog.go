package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Catalog maps voice display names to engine voices. It is filled once
// and never written again, so concurrent readers need no locking.
type Catalog struct {
	voices map[string]Voice
}

// LoadCatalog fetches the engine's voice list.
func LoadCatalog(ctx context.Context, engine Engine, log *slog.Logger) (*Catalog, error) {
	voices, err := engine.Voices(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch voices: %w", err)
	}
	c := &Catalog{voices: make(map[string]Voice, len(voices))}
	for _, v := range voices {
		if v.Name == "" || v.ID == "" {
			log.Warn("skipping voice without name or id", slog.String("id", v.ID), slog.String("name", v.Name))
			continue
		}
		if prev, ok := c.voices[v.Name]; ok {
			log.Warn("duplicate voice name, keeping latest",
				slog.String("name", v.Name),
				slog.String("previous_id", prev.ID),
				slog.String("id", v.ID))
		}
		c.voices[v.Name] = v
	}
	return c, nil
}

// NewCatalog builds a catalog from a fixed list.
func NewCatalog(voices ...Voice) *Catalog {
	c := &Catalog{voices: make(map[string]Voice, len(voices))}
	for _, v := range voices {
		c.voices[v.Name] = v
	}
	return c
}

func (c *Catalog) Lookup(name string) (Voice, bool) {
	if c == nil {
		return Voice{}, false
	}
	v, ok := c.voices[name]
	return v, ok
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.voices)
}

// List returns the voices sorted by name.
func (c *Catalog) List() []Voice {
	if c == nil {
		return nil
	}
	out := make([]Voice, 0, len(c.voices))
	for _, v := range c.voices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted voice names.
func (c *Catalog) Names() []string {
	voices := c.List()
	names := make([]string, len(voices))
	for i, v := range voices {
		names[i] = v.Name
	}
	return names
}
