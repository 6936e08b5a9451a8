// Package cache resolves notification content, keeping templates warm in a
// TTL key-value store so repeated sends of the same template skip the
// template service.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/debaycisse/notification-dispatch/internal/models"
)

const templateKeyPrefix = "template:"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Store is the TTL key-value behavior the cache needs.
type Store interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Resolver fetches a template from the template service on a cache miss.
type Resolver interface {
	Resolve(ctx context.Context, subject, message, templateID string) (*models.TemplateRecord, error)
}

// TemplateCache resolves a notification's deliverable content, either
// verbatim from the message or through a cached template.
type TemplateCache struct {
	store    Store
	resolver Resolver
	ttl      time.Duration
	logger   *slog.Logger
}

// NewTemplateCache creates a new TemplateCache.
func NewTemplateCache(store Store, resolver Resolver, ttl time.Duration, logger *slog.Logger) *TemplateCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TemplateCache{
		store:    store,
		resolver: resolver,
		ttl:      ttl,
		logger:   logger,
	}
}

// Resolve produces the deliverable content for a notification. Messages
// without a template id pass through verbatim and never touch the store.
func (c *TemplateCache) Resolve(ctx context.Context, n models.Notification) (models.RenderedContent, error) {
	subject, body := n.Content()

	templateID := n.TemplateRef()
	if templateID == "" {
		return models.RenderedContent{Subject: subject, Body: body}, nil
	}

	record, err := c.lookup(ctx, templateID)
	if err != nil {
		return models.RenderedContent{}, err
	}
	if record == nil {
		record, err = c.fetchAndStore(ctx, subject, body, templateID)
		if err != nil {
			return models.RenderedContent{}, err
		}
	}

	return render(record, n.Variables()), nil
}

// Invalidate drops a cached template so the next resolve refetches it.
func (c *TemplateCache) Invalidate(ctx context.Context, templateID string) {
	if err := c.store.Delete(ctx, templateKeyPrefix+templateID); err != nil {
		c.logger.Warn("failed to invalidate template",
			slog.String("template_id", templateID),
			slog.Any("error", err),
		)
	}
}

func (c *TemplateCache) lookup(ctx context.Context, templateID string) (*models.TemplateRecord, error) {
	var record models.TemplateRecord
	found, err := c.store.GetJSON(ctx, templateKeyPrefix+templateID, &record)
	if err != nil {
		// An unreachable store degrades to a miss; the fetch path decides
		// whether the pipeline fails.
		c.logger.Warn("template cache read failed, treating as miss",
			slog.String("template_id", templateID),
			slog.Any("error", err),
		)
		return nil, nil
	}
	if !found || record.TemplateID == "" {
		return nil, nil
	}
	return &record, nil
}

func (c *TemplateCache) fetchAndStore(ctx context.Context, subject, body, templateID string) (*models.TemplateRecord, error) {
	record, err := c.resolver.Resolve(ctx, subject, body, templateID)
	if err != nil {
		return nil, fmt.Errorf("resolve template %s: %w", templateID, err)
	}

	if record.Variables == nil {
		record.Variables = declaredVariables(record.Subject, record.Message)
	}

	if err := c.store.SetJSON(ctx, templateKeyPrefix+templateID, record, c.ttl); err != nil {
		c.logger.Warn("failed to cache template",
			slog.String("template_id", templateID),
			slog.Any("error", err),
		)
	}
	return record, nil
}

// declaredVariables scans fetched content for placeholder tokens; the
// resolution endpoint returns only subject and message.
func declaredVariables(subject, message string) map[string]interface{} {
	vars := map[string]interface{}{}
	for _, text := range []string{subject, message} {
		for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			vars[match[1]] = ""
		}
	}
	return vars
}

// render substitutes supplied values into the template's declared
// placeholders. Variables with no supplied value stay literal; substitution
// is best-effort, not validated.
func render(record *models.TemplateRecord, supplied map[string]interface{}) models.RenderedContent {
	subject := record.Subject
	body := record.Message

	for name := range record.Variables {
		value, ok := supplied[name]
		if !ok {
			continue
		}
		subject = replacePlaceholder(subject, name, value)
		body = replacePlaceholder(body, name, value)
	}

	return models.RenderedContent{Subject: subject, Body: body}
}

func replacePlaceholder(text, name string, value interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if sub[1] != name {
			return match
		}
		return fmt.Sprint(value)
	})
}
