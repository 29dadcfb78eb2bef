// Package extractor turns rendered source-site pages into typed records.
// It performs no I/O: the gateway fetches, the extractor parses.
package extractor

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/packvault/catalog-crawler/internal/catalog"
)

// Extractor parses listing and detail pages.
type Extractor struct {
	logger *zap.Logger
}

// New creates an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

const publishedPrefix = "Published on "

// publishedLayouts are the date formats observed on listing cards.
var publishedLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02",
}

// Listing parses the cards of a rendered listing page. Cards missing a slug,
// title, or thumbnail are dropped; partial listing data is expected.
func (e *Extractor) Listing(html string) []catalog.ListingSummary {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Debug("unparsable listing html", zap.Error(err))
		return nil
	}

	var summaries []catalog.ListingSummary
	doc.Find(".fancybox.post").Each(func(_ int, card *goquery.Selection) {
		summary, ok := e.card(card)
		if !ok {
			e.logger.Debug("dropping incomplete listing card")
			return
		}
		summaries = append(summaries, summary)
	})
	return summaries
}

func (e *Extractor) card(card *goquery.Selection) (catalog.ListingSummary, bool) {
	href, _ := card.Find(".fancybox__content__title a").First().Attr("href")
	slug := strings.Trim(href, "/")
	title := strings.TrimSpace(card.Find(".fancybox__content__title").First().Text())
	thumb, _ := card.Find(".post__img__static img").First().Attr("src")

	if slug == "" || title == "" || thumb == "" {
		return catalog.ListingSummary{}, false
	}

	summary := catalog.ListingSummary{
		Slug:          slug,
		Title:         title,
		ThumbnailURL:  thumb,
		Author:        strings.TrimSpace(card.Find(".fancybox__header__content a").First().Text()),
		RatingDisplay: strings.TrimSpace(card.Find(".fancybox__header__rating").First().Text()),
	}

	dateText := strings.TrimSpace(card.Find(".fancybox__header__content small").First().Text())
	dateText = strings.TrimSpace(strings.TrimPrefix(dateText, publishedPrefix))
	if dateText != "" {
		for _, layout := range publishedLayouts {
			if ts, err := time.Parse(layout, dateText); err == nil {
				summary.PublishedAt = &ts
				break
			}
		}
	}
	return summary, true
}
