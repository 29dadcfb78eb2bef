package extractor

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/catalog"
)

// leavingPrefix marks same-site links that redirect off-catalog. An item
// whose asset links include one of these points elsewhere and is never
// ingested.
const leavingPrefix = "/leaving"

// clientState is the expected shape of the detail page's embedded client
// state. Every field is optional except the title; validation happens once
// here, at the parse boundary.
type clientState struct {
	State struct {
		Slug struct {
			Model *detailModel `json:"model"`
		} `json:"slug"`
	} `json:"state"`
}

type detailModel struct {
	Title             string          `json:"title"`
	Image             string          `json:"image"`
	Description       string          `json:"description"`
	SubmissionImages  []string        `json:"submission_images"`
	Categories        []categoryRef   `json:"categories"`
	Downloads         []downloadEntry `json:"downloads"`
	CommentsTotal     int             `json:"comments_total"`
	CommentsRating    *ratingBlock    `json:"comments_rating"`
	MinecraftVersions []versionRef    `json:"minecraft_versions"`
	UpdatedAt         string          `json:"updated_at"`
}

type categoryRef struct {
	Slug string `json:"slug"`
}

type downloadEntry struct {
	File string `json:"file"`
	Name string `json:"name"`
}

type ratingBlock struct {
	Average float64 `json:"average"`
}

type versionRef struct {
	Name string `json:"name"`
}

var (
	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	blankRunPattern  = regexp.MustCompile(`\n{2,}`)
	updatedAtLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02 15:04:05",
	}
)

// Detail parses the client state of one item's detail page. It returns nil
// when the item is unusable: missing title, unclassifiable category, no
// asset links, or redirect-only links.
func (e *Extractor) Detail(slug string, state []byte) *catalog.DetailRecord {
	var payload clientState
	if err := json.Unmarshal(state, &payload); err != nil {
		e.logger.Debug("unparsable client state", zap.String("slug", slug), zap.Error(err))
		return nil
	}

	model := payload.State.Slug.Model
	if model == nil || model.Title == "" {
		e.logger.Debug("detail page has no model title", zap.String("slug", slug))
		return nil
	}

	category, ok := classify(model.Categories)
	if !ok {
		e.logger.Debug("unclassifiable category", zap.String("slug", slug))
		return nil
	}

	links := dedupeLinks(model.Downloads)
	if len(links) == 0 {
		e.logger.Debug("no asset links", zap.String("slug", slug))
		return nil
	}
	for _, link := range links {
		if strings.HasPrefix(link.URL, leavingPrefix) {
			e.logger.Debug("redirect-only asset links", zap.String("slug", slug))
			return nil
		}
	}

	descriptionHTML := strings.TrimSpace(model.Description)
	description := strings.TrimSpace(
		blankRunPattern.ReplaceAllString(tagPattern.ReplaceAllString(descriptionHTML, ""), "\n"),
	)

	var rating float64
	if model.CommentsRating != nil {
		rating = math.Round(model.CommentsRating.Average*100) / 100
	}

	versions := make([]string, 0, len(model.MinecraftVersions))
	for _, v := range model.MinecraftVersions {
		if v.Name != "" {
			versions = append(versions, v.Name)
		}
	}

	return &catalog.DetailRecord{
		Slug:                 slug,
		Title:                model.Title,
		Category:             category,
		ThumbnailURL:         model.Image,
		DescriptionHTML:      descriptionHTML,
		DescriptionPlainText: description,
		DescriptionImages:    model.SubmissionImages,
		AssetLinks:           links,
		MCVersions:           versions,
		CommentCount:         model.CommentsTotal,
		RatingAverage:        rating,
		SourceUpdatedAt:      parseUpdatedAt(model.UpdatedAt),
	}
}

// classify maps source category slugs onto the catalog's categories.
// Slugs are scanned in order; the first matching rule wins.
func classify(categories []categoryRef) (catalog.Category, bool) {
	for _, ref := range categories {
		switch {
		case strings.Contains(ref.Slug, "skin"):
			return catalog.CategorySkinPack, true
		case strings.Contains(ref.Slug, "mods"), strings.Contains(ref.Slug, "addons"):
			return catalog.CategoryAddon, true
		case strings.Contains(ref.Slug, "maps"):
			return catalog.CategoryWorld, true
		case strings.Contains(ref.Slug, "texture"):
			return catalog.CategoryTexturePack, true
		}
	}
	return "", false
}

// dedupeLinks collapses repeated URLs. Position follows the first
// occurrence of each URL; attributes follow the last.
func dedupeLinks(downloads []downloadEntry) []catalog.AssetLink {
	order := make([]string, 0, len(downloads))
	latest := make(map[string]downloadEntry, len(downloads))
	for _, d := range downloads {
		if d.File == "" {
			continue
		}
		if _, seen := latest[d.File]; !seen {
			order = append(order, d.File)
		}
		latest[d.File] = d
	}

	links := make([]catalog.AssetLink, 0, len(order))
	for _, url := range order {
		d := latest[url]
		links = append(links, catalog.AssetLink{URL: d.File, DisplayName: d.Name})
	}
	return links
}

func parseUpdatedAt(raw string) time.Time {
	for _, layout := range updatedAtLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
