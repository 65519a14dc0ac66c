package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Source reads a secret value by name
type Source interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

func NewGCPSecretManager(ctx context.Context, projectID string, logger *logrus.Logger, opts ...option.ClientOption) (*GCPSecretManager, error) {
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID is required to read secrets")
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func VersionName(projectID, secretName string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretName)
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: VersionName(g.projectID, secretName),
	}

	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return strings.TrimSpace(string(result.Payload.GetData())), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// Required names a secret and where its value goes
type Required struct {
	Name   string
	Target *string
}

// LoadRequired fills every target. Any missing or empty secret is an error;
// the caller is expected to abort startup.
func LoadRequired(ctx context.Context, src Source, logger *logrus.Logger, required ...Required) error {
	for _, r := range required {
		if r.Name == "" || r.Target == nil {
			continue
		}
		value, err := src.GetSecret(ctx, r.Name)
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("secret %s is empty", r.Name)
		}
		*r.Target = value
		logger.WithField("secret", r.Name).Info("Loaded secret")
	}
	return nil
}
