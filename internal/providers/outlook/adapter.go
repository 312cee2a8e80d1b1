package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/inboxpilot/labelsync/internal/auth"
	"github.com/inboxpilot/labelsync/internal/labels"
)

// Adapter implements the reconcile.Provider interface for Outlook via
// Microsoft Graph mail folders.
//
// Graph exposes real parent-ID nesting but only one level per request:
// ListAll walks child folders recursively and flattens the tree, stamping
// each entity with the parent ID taken from the traversal rather than the
// folder's reported parentFolderId (whose value for top-level folders is
// the invisible msgroot folder).
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates an Outlook adapter for a tenant credential. The credential
// is delegated, so the mailbox is always the token's own user.
func New(ctx context.Context, cred *auth.Credential) (*Adapter, error) {
	tokenCred := &staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tokenCred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client}, nil
}

const folderPageSize = 200

var folderFields = []string{"id", "displayName", "childFolderCount"}

// ListAll returns the full mail folder tree flattened into normalized
// entities with immediate parent IDs. Every level follows nextLink paging:
// a truncated snapshot would make the synchronizer soft-delete labels that
// still exist.
func (a *Adapter) ListAll(ctx context.Context) ([]labels.Entity, error) {
	roots, err := a.listTopLevel(ctx)
	if err != nil {
		return nil, err
	}

	var entities []labels.Entity
	for _, folder := range roots {
		if err := a.collect(ctx, folder, "", &entities); err != nil {
			return nil, err
		}
	}

	return entities, nil
}

// listTopLevel fetches every top-level folder across all pages.
func (a *Adapter) listTopLevel(ctx context.Context) ([]models.MailFolderable, error) {
	requestConfig := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Top:    int32Ptr(folderPageSize),
			Select: folderFields,
		},
	}

	page, err := a.client.Me().MailFolders().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(err)
	}

	folders := page.GetValue()
	for link := page.GetOdataNextLink(); link != nil && *link != ""; link = page.GetOdataNextLink() {
		page, err = a.client.Me().MailFolders().WithUrl(*link).Get(ctx, nil)
		if err != nil {
			return nil, classify(err)
		}
		folders = append(folders, page.GetValue()...)
	}

	return folders, nil
}

// listChildren fetches every direct child of a folder across all pages.
func (a *Adapter) listChildren(ctx context.Context, folderID string) ([]models.MailFolderable, error) {
	requestConfig := &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{
			Top:    int32Ptr(folderPageSize),
			Select: folderFields,
		},
	}

	page, err := a.client.Me().MailFolders().ByMailFolderId(folderID).ChildFolders().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(err)
	}

	folders := page.GetValue()
	for link := page.GetOdataNextLink(); link != nil && *link != ""; link = page.GetOdataNextLink() {
		page, err = a.client.Me().MailFolders().ByMailFolderId(folderID).ChildFolders().WithUrl(*link).Get(ctx, nil)
		if err != nil {
			return nil, classify(err)
		}
		folders = append(folders, page.GetValue()...)
	}

	return folders, nil
}

// collect appends a folder and recurses into its children.
func (a *Adapter) collect(ctx context.Context, folder models.MailFolderable, parentID string, out *[]labels.Entity) error {
	id := folder.GetId()
	name := folder.GetDisplayName()
	if id == nil || name == nil {
		return nil
	}

	*out = append(*out, labels.Entity{
		ProviderID:       *id,
		Name:             *name,
		ParentProviderID: parentID,
	})

	if count := folder.GetChildFolderCount(); count == nil || *count == 0 {
		return nil
	}

	children, err := a.listChildren(ctx, *id)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := a.collect(ctx, child, *id, out); err != nil {
			return err
		}
	}

	return nil
}

// Create creates a mail folder under the given parent ("" for top level).
// Graph has no folder color; the color tag is accepted and ignored.
func (a *Adapter) Create(ctx context.Context, name, parentProviderID, color string) (string, error) {
	folder := models.NewMailFolder()
	folder.SetDisplayName(&name)

	var created models.MailFolderable
	var err error
	if parentProviderID == "" {
		created, err = a.client.Me().MailFolders().Post(ctx, folder, nil)
	} else {
		created, err = a.client.Me().MailFolders().ByMailFolderId(parentProviderID).ChildFolders().Post(ctx, folder, nil)
	}
	if err != nil {
		return "", classify(err)
	}

	id := created.GetId()
	if id == nil {
		return "", &labels.FatalError{Err: fmt.Errorf("created folder %q has no id", name)}
	}

	return *id, nil
}

// classify maps Graph OData errors onto the reconciliation failure taxonomy.
func classify(err error) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return &labels.TransientError{Err: err}
	}

	code := ""
	if mainErr := odataErr.GetErrorEscaped(); mainErr != nil {
		if c := mainErr.GetCode(); c != nil {
			code = *c
		}
	}

	status := odataErr.ResponseStatusCode
	switch {
	case status == 409 || strings.EqualFold(code, "ErrorFolderExists") || strings.EqualFold(code, "NameAlreadyExists"):
		return &labels.ConflictError{Name: code}
	case status == 401 || strings.EqualFold(code, "InvalidAuthenticationToken"):
		return &labels.AuthError{Err: err}
	case status == 429 || status >= 500:
		return &labels.TransientError{Err: err}
	default:
		return &labels.FatalError{Err: err}
	}
}

// staticTokenCredential adapts a bearer credential from the token service
// onto the Azure credential interface.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiry,
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
