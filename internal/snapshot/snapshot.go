// Package snapshot normalises raw TMS payloads (ticket, tags, articles)
// into the stable, render-ready Snapshot the PDF renderer and the audit
// builder consume: tolerant field extraction into a stable output type.
package snapshot

import (
	"sort"
	"time"

	"github.com/ticketarc/ticketarc/internal/classify"
)

// ArticleLimitMode controls behaviour when the article count exceeds the
// configured limit.
type ArticleLimitMode string

const (
	ArticleLimitFail           ArticleLimitMode = "fail"
	ArticleLimitCapAndContinue ArticleLimitMode = "cap_and_continue"
)

// Policy bundles the configuration Build needs.
type Policy struct {
	ArticleLimit int // 0 means unlimited
	LimitMode    ArticleLimitMode
	// Sanitise is the opaque HTML sanitiser; out of scope per spec, but a
	// function value so callers can inject it (and tests can use a no-op).
	Sanitise func(html string) string
}

// AttachmentMeta is metadata-only; attachment bytes are never fetched.
type AttachmentMeta struct {
	ID       string
	Filename string
	SizeByte int64
	MIMEType string
}

// Article is one normalised ticket article.
type Article struct {
	ID          int64
	CreatedAt   time.Time
	Internal    bool
	Sender      string
	Subject     string
	BodyHTML    string
	BodyText    string
	Attachments []AttachmentMeta
}

// Snapshot is the stable, render-ready projection of a ticket.
type Snapshot struct {
	ID           int64
	Number       string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Customer     string
	Owner        string
	Tags         map[string]struct{}
	CustomFields map[string]any
	Articles     []Article
	Warning      string
}

// RawTicket and RawArticle are the tolerant input shapes Build
// accepts. Field names follow the TMS's own historical inconsistency:
// callers populate what they have; zero values are treated as absent.
type RawTicket struct {
	ID           int64
	Number       string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Customer     string
	Owner        string
	CustomFields map[string]any
}

type RawArticle struct {
	ID        int64
	CreatedAt time.Time
	Internal  bool
	Sender    string
	Subject   string
	BodyHTML  string
	BodyText  string
	Attachments []AttachmentMeta
}

// Build is the pure normalisation function: (ticket, tags, articles) ->
// Snapshot.
func Build(ticket RawTicket, tags []string, articles []RawArticle, policy Policy) (Snapshot, error) {
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	normalized := make([]Article, 0, len(articles))
	for _, a := range articles {
		body := a.BodyHTML
		if policy.Sanitise != nil {
			body = policy.Sanitise(body)
		}
		normalized = append(normalized, Article{
			ID:          a.ID,
			CreatedAt:   a.CreatedAt.UTC(),
			Internal:    a.Internal,
			Sender:      a.Sender,
			Subject:     a.Subject,
			BodyHTML:    body,
			BodyText:    a.BodyText,
			Attachments: a.Attachments,
		})
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		if !normalized[i].CreatedAt.Equal(normalized[j].CreatedAt) {
			return normalized[i].CreatedAt.Before(normalized[j].CreatedAt)
		}
		return normalized[i].ID < normalized[j].ID
	})

	var warning string
	if policy.ArticleLimit > 0 && len(normalized) > policy.ArticleLimit {
		switch policy.LimitMode {
		case ArticleLimitCapAndContinue:
			normalized = normalized[:policy.ArticleLimit]
			warning = "article count exceeded configured limit; truncated"
		default:
			return Snapshot{}, classify.NewPermanent(classify.CodeArticleLimitExceeded, "ticket has more articles than the configured limit")
		}
	}

	return Snapshot{
		ID:           ticket.ID,
		Number:       ticket.Number,
		Title:        ticket.Title,
		CreatedAt:    ticket.CreatedAt.UTC(),
		UpdatedAt:    ticket.UpdatedAt.UTC(),
		Customer:     ticket.Customer,
		Owner:        ticket.Owner,
		Tags:         tagSet,
		CustomFields: ticket.CustomFields,
		Articles:     normalized,
		Warning:      warning,
	}, nil
}

// FallbackBody returns BodyHTML, or BodyText if the sanitised HTML came
// back empty.
func (a Article) FallbackBody() string {
	if a.BodyHTML == "" {
		return a.BodyText
	}
	return a.BodyHTML
}
