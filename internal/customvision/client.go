// Package customvision is a client for the Azure Custom Vision training and prediction APIs.
package customvision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/healthy-habitat/score-regions/internal/config"
	"go.uber.org/zap"
)

const (
	trainingPath   = "/customvision/v3.3/training"
	predictionPath = "/customvision/v3.0/Prediction"
)

// Project is a Custom Vision project
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	LastModified time.Time `json:"lastModified"`
}

// Iteration is a trained snapshot of a project
type Iteration struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	LastModified time.Time `json:"lastModified"`
	TrainedAt    time.Time `json:"trainedAt"`
	PublishName  string    `json:"publishName"`
	ProjectID    string    `json:"projectId"`
}

// BoundingBox is the normalised region of a detection
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Prediction is a single label and its probability
type Prediction struct {
	TagID       string       `json:"tagId"`
	TagName     string       `json:"tagName"`
	Probability float64      `json:"probability"`
	BoundingBox *BoundingBox `json:"boundingBox,omitempty"`
}

// ImagePrediction is the response to a detect or classify call
type ImagePrediction struct {
	ID          string       `json:"id"`
	Project     string       `json:"project"`
	Iteration   string       `json:"iteration"`
	Created     time.Time    `json:"created"`
	Predictions []Prediction `json:"predictions"`
}

// APIError is a non-2xx response from the service
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("custom vision returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("custom vision returned %d", e.StatusCode)
}

// Client talks to the Custom Vision REST API
type Client struct {
	httpClient         *http.Client
	trainingEndpoint   string
	trainingKey        string
	predictionEndpoint string
	predictionKey      string
	logger             *zap.Logger
}

// NewClient creates a Custom Vision client. The prediction endpoint defaults to the training endpoint.
func NewClient(cfg *config.CustomVisionConfig, logger *zap.Logger) *Client {
	predictionEndpoint := cfg.PredictionEndpoint
	if predictionEndpoint == "" {
		predictionEndpoint = cfg.TrainingEndpoint
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.TimeoutDuration(),
		},
		trainingEndpoint:   strings.TrimRight(cfg.TrainingEndpoint, "/"),
		trainingKey:        cfg.TrainingKey,
		predictionEndpoint: strings.TrimRight(predictionEndpoint, "/"),
		predictionKey:      cfg.PredictionKey,
		logger:             logger,
	}
}

// GetProjects lists every project visible to the training key
func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	endpoint := c.trainingEndpoint + trainingPath + "/projects"
	if err := c.do(ctx, http.MethodGet, endpoint, "Training-Key", c.trainingKey, nil, &projects); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// GetIterations lists the iterations of a project
func (c *Client) GetIterations(ctx context.Context, projectID string) ([]Iteration, error) {
	var iterations []Iteration
	endpoint := fmt.Sprintf("%s%s/projects/%s/iterations", c.trainingEndpoint, trainingPath, url.PathEscape(projectID))
	if err := c.do(ctx, http.MethodGet, endpoint, "Training-Key", c.trainingKey, nil, &iterations); err != nil {
		return nil, fmt.Errorf("failed to list iterations for project %s: %w", projectID, err)
	}
	return iterations, nil
}

// DetectImage runs object detection on an image against a published iteration
func (c *Client) DetectImage(ctx context.Context, projectID, publishName string, image []byte) (*ImagePrediction, error) {
	return c.predict(ctx, "detect", projectID, publishName, image)
}

// ClassifyImage runs whole-image classification against a published iteration
func (c *Client) ClassifyImage(ctx context.Context, projectID, publishName string, image []byte) (*ImagePrediction, error) {
	return c.predict(ctx, "classify", projectID, publishName, image)
}

func (c *Client) predict(ctx context.Context, kind, projectID, publishName string, image []byte) (*ImagePrediction, error) {
	endpoint := fmt.Sprintf("%s%s/%s/%s/iterations/%s/image",
		c.predictionEndpoint, predictionPath, url.PathEscape(projectID), kind, url.PathEscape(publishName))

	var result ImagePrediction
	if err := c.do(ctx, http.MethodPost, endpoint, "Prediction-Key", c.predictionKey, image, &result); err != nil {
		return nil, fmt.Errorf("failed to %s image with %s/%s: %w", kind, projectID, publishName, err)
	}

	c.logger.Debug("Custom Vision prediction completed",
		zap.String("kind", kind),
		zap.String("project_id", projectID),
		zap.String("publish_name", publishName),
		zap.Int("predictions", len(result.Predictions)),
	)
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, keyHeader, key string, body []byte, target interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(keyHeader, key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		} else {
			_ = json.Unmarshal(raw, apiErr)
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
