package gmail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxpilot/labelsync/internal/auth"
	"github.com/inboxpilot/labelsync/internal/labels"
)

// Adapter implements the reconcile.Provider interface for Gmail.
//
// Gmail has no parent-ID nesting: hierarchy is encoded in the label name as
// a slash path ("SUPPLIERS/Acme Co"). The adapter translates that model into
// the normalized parent-ID shape: ListAll resolves each name's parent prefix
// to the parent label's ID, and Create rebuilds the full path name from the
// requested parent ID.
type Adapter struct {
	svc *gmail.Service

	// pathByID caches label ID → full path name from the last listing so
	// Create can resolve a parent path without an extra round trip.
	mu       sync.Mutex
	pathByID map[string]string
}

// New creates a Gmail adapter for a tenant credential.
func New(ctx context.Context, cred *auth.Credential) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailLabelsScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, pathByID: make(map[string]string)}, nil
}

// ListAll returns every user label as a normalized entity with its
// immediate parent's ID. System labels (INBOX, SPAM, ...) are not part of
// the tenant's tree and are skipped.
func (a *Adapter) ListAll(ctx context.Context) ([]labels.Entity, error) {
	resp, err := a.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	idByPath := make(map[string]string)
	pathByID := make(map[string]string)
	for _, l := range resp.Labels {
		if l.Type == "system" {
			continue
		}
		idByPath[strings.ToLower(l.Name)] = l.Id
		pathByID[l.Id] = l.Name
	}

	var entities []labels.Entity
	for _, l := range resp.Labels {
		if l.Type == "system" {
			continue
		}
		name := l.Name
		parentID := ""
		if idx := strings.LastIndex(l.Name, "/"); idx > 0 {
			// A nested path only has a parent when a label with the prefix
			// path actually exists; Gmail happily renders "A/B" without "A".
			if id, ok := idByPath[strings.ToLower(l.Name[:idx])]; ok {
				parentID = id
				name = l.Name[idx+1:]
			}
		}
		entities = append(entities, labels.Entity{
			ProviderID:       l.Id,
			Name:             name,
			ParentProviderID: parentID,
		})
	}

	a.mu.Lock()
	a.pathByID = pathByID
	a.mu.Unlock()

	return entities, nil
}

// Create creates a label under the given parent. Gmail reports a duplicate
// name for the same path with HTTP 409, surfaced as *labels.ConflictError.
func (a *Adapter) Create(ctx context.Context, name, parentProviderID, color string) (string, error) {
	fullName := name
	if parentProviderID != "" {
		parentPath, err := a.parentPath(ctx, parentProviderID)
		if err != nil {
			return "", err
		}
		fullName = parentPath + "/" + name
	}

	label := &gmail.Label{
		Name:                  fullName,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	if c, ok := palette[color]; ok {
		label.Color = &gmail.LabelColor{
			BackgroundColor: c.background,
			TextColor:       c.text,
		}
	}

	created, err := a.svc.Users.Labels.Create("me", label).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}

	a.mu.Lock()
	a.pathByID[created.Id] = created.Name
	a.mu.Unlock()

	return created.Id, nil
}

// parentPath resolves a parent label ID to its full path name, refreshing
// the cache from the API when the ID is not known yet.
func (a *Adapter) parentPath(ctx context.Context, parentID string) (string, error) {
	a.mu.Lock()
	path, ok := a.pathByID[parentID]
	a.mu.Unlock()
	if ok {
		return path, nil
	}

	if _, err := a.ListAll(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	path, ok = a.pathByID[parentID]
	a.mu.Unlock()
	if !ok {
		return "", &labels.FatalError{Err: fmt.Errorf("parent label %s not found", parentID)}
	}
	return path, nil
}

// classify maps Gmail API errors onto the reconciliation failure taxonomy.
func classify(err error) error {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return &labels.TransientError{Err: err}
	}

	switch {
	case gErr.Code == 409:
		return &labels.ConflictError{Name: gErr.Message}
	case gErr.Code == 401:
		return &labels.AuthError{Err: err}
	case gErr.Code == 403:
		// Gmail reports some quota exhaustion as 403 rather than 429.
		for _, item := range gErr.Errors {
			if strings.Contains(strings.ToLower(item.Reason), "ratelimit") {
				return &labels.TransientError{Err: err}
			}
		}
		return &labels.AuthError{Err: err}
	case gErr.Code == 429 || gErr.Code >= 500:
		return &labels.TransientError{Err: err}
	default:
		return &labels.FatalError{Err: err}
	}
}

// palette maps template color tags onto Gmail's allowed label palette.
// Gmail rejects hex values outside this fixed set.
var palette = map[string]struct{ background, text string }{
	"green":  {"#16a765", "#ffffff"},
	"blue":   {"#4a86e8", "#ffffff"},
	"purple": {"#a479e2", "#ffffff"},
	"orange": {"#ffad46", "#ffffff"},
	"red":    {"#fb4c2f", "#ffffff"},
	"yellow": {"#fad165", "#000000"},
	"gray":   {"#999999", "#ffffff"},
}
