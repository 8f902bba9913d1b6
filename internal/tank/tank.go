// Package tank uploads exported modules to the shared Azure blob container.
package tank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/opencontainers/go-digest"
)

const (
	DefaultContainer = "tankturbine"
	// ConnectionStringEnv holds the storage account connection string.
	ConnectionStringEnv = "AZURE_CONNECTION_STRING"

	revisionLen = 12
)

// Uploader stores a local file under blobName and returns the stored name.
type Uploader interface {
	Upload(ctx context.Context, localPath, blobName string) (string, error)
}

// Revision is a short content digest of the module text, used in the blob
// prefix.
func Revision(module string) string {
	return DigestRevision(digest.FromString(module))
}

// DigestRevision shortens a module digest computed while streaming.
func DigestRevision(d digest.Digest) string {
	return d.Encoded()[:revisionLen]
}

// BlobName returns <date>_<revision>/<model>_<suffix>/<model>_<suffix>.mlir
// with "/" in the model id replaced by "-".
func BlobName(model, suffix string, date time.Time, revision string) string {
	name := strings.ReplaceAll(model, "/", "-") + "_" + suffix

	return date.Format("2006-01-02") + "_" + revision + "/" + name + "/" + name + ".mlir"
}

type blobAPI interface {
	Exists(ctx context.Context, container, name string) (bool, error)
	UploadFile(ctx context.Context, container, name string, f *os.File) error
}

// AzureUploader writes blobs into one container. Existing blobs are never
// overwritten.
type AzureUploader struct {
	Container string
	Logger    *slog.Logger

	api blobAPI
}

// NewAzureUploader connects with connStr, or the AZURE_CONNECTION_STRING
// environment variable when connStr is empty.
func NewAzureUploader(connStr, container string) (*AzureUploader, error) {
	if connStr == "" {
		connStr = os.Getenv(ConnectionStringEnv)
	}

	if connStr == "" {
		return nil, fmt.Errorf("tank: no connection string; set %s", ConnectionStringEnv)
	}

	client, err := azblob.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("tank: create blob client: %w", err)
	}

	if container == "" {
		container = DefaultContainer
	}

	return &AzureUploader{Container: container, api: azureBlobs{client: client}}, nil
}

func (u *AzureUploader) logger() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}

	return slog.Default()
}

// Upload sends localPath unless blobName already exists. Either way the
// blob name is returned.
func (u *AzureUploader) Upload(ctx context.Context, localPath, blobName string) (string, error) {
	if blobName == "" {
		return "", errors.New("tank: blob name is empty")
	}

	exists, err := u.api.Exists(ctx, u.Container, blobName)
	if err != nil {
		return "", fmt.Errorf("tank: check %s: %w", blobName, err)
	}

	if exists {
		u.logger().Info("blob already exists, skipping upload", "container", u.Container, "blob", blobName)
		return blobName, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("tank: open %s: %w", localPath, err)
	}
	defer f.Close()

	if err := u.api.UploadFile(ctx, u.Container, blobName, f); err != nil {
		return "", fmt.Errorf("tank: upload %s: %w", blobName, err)
	}

	u.logger().Info("uploaded module", "container", u.Container, "blob", blobName)

	return blobName, nil
}

type azureBlobs struct {
	client *azblob.Client
}

func (a azureBlobs) Exists(ctx context.Context, container, name string) (bool, error) {
	_, err := a.client.ServiceClient().NewContainerClient(container).NewBlobClient(name).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}

	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}

	return false, err
}

func (a azureBlobs) UploadFile(ctx context.Context, container, name string, f *os.File) error {
	_, err := a.client.UploadFile(ctx, container, name, f, nil)
	return err
}
