package tags

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
)

// Catalogue manages the recognised incident-tag vocabulary: the seeded
// catalogue plus every tag currently in use on media rows.
type Catalogue struct {
	db     *sql.DB
	tags   data.TagModel
	videos data.VideoModel
	audit  *audit.Service
}

func NewCatalogue(db *sql.DB, tags data.TagModel, videos data.VideoModel, auditSvc *audit.Service) *Catalogue {
	return &Catalogue{db: db, tags: tags, videos: videos, audit: auditSvc}
}

// Vocabulary returns the union of the catalogue and all in-use tags, with
// catalogue ordering first and uncatalogued extras appended alphabetically.
func (c *Catalogue) Vocabulary(ctx context.Context) ([]string, error) {
	catalogued, err := c.tags.List(ctx)
	if err != nil {
		return nil, err
	}
	inUse, err := c.videos.TagsInUse(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(catalogued))
	out := make([]string, 0, len(catalogued)+len(inUse))
	for _, t := range catalogued {
		seen[t] = true
		out = append(out, t)
	}
	var extras []string
	for _, t := range inUse {
		if !seen[t] {
			extras = append(extras, t)
		}
	}
	sort.Strings(extras)
	return append(out, extras...), nil
}

// Add appends a tag to the catalogue; re-adding is a no-op.
func (c *Catalogue) Add(ctx context.Context, tag string) error {
	if tag == "" {
		return fmt.Errorf("empty tag")
	}
	return c.tags.Add(ctx, tag)
}

// Delete removes the tag from the catalogue and scrubs it from every media
// row, recording the blast radius in the audit chain.
func (c *Catalogue) Delete(ctx context.Context, tag, actorID string) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := (data.TagModel{DB: tx}).Remove(ctx, tag); err != nil {
		return 0, err
	}
	affected, err := (data.VideoModel{DB: tx}).RemoveTagEverywhere(ctx, tag)
	if err != nil {
		return 0, err
	}
	_, err = c.audit.Append(ctx, tx, audit.EventTagDeleted, map[string]any{
		"tag":             tag,
		"videos_affected": affected,
	}, audit.Ref{UserID: actorID})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return affected, nil
}

type seedFile struct {
	Tags []string `yaml:"tags"`
}

// SeedFromFile loads the YAML seed list and inserts any tags not yet in the
// catalogue. Existing tags keep their positions.
func (c *Catalogue) SeedFromFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tags: read seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("tags: parse seed: %w", err)
	}

	added := 0
	for _, tag := range seed.Tags {
		if tag == "" {
			continue
		}
		if err := c.tags.Add(ctx, tag); err != nil {
			return err
		}
		added++
	}
	log.Printf("[Tags] Seeded %d tags from %s", added, path)
	return nil
}
