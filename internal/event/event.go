// Package event parses Azure Event Grid deliveries and classifies them for the scoring endpoint.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Event Grid event types handled by the service
const (
	TypeSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	TypeBlobCreated            = "Microsoft.Storage.BlobCreated"
)

var (
	// ErrMalformedPayload is returned when the body is not a JSON array of events
	ErrMalformedPayload = errors.New("malformed event payload")
	// ErrEmptyPayload is returned when the event array has no elements
	ErrEmptyPayload = errors.New("event payload contains no events")
	// ErrInvalidEventData is returned when the data section lacks required fields
	ErrInvalidEventData = errors.New("invalid event data")
	// ErrInvalidBlobURL is returned when the blob URL does not encode container/date/blob
	ErrInvalidBlobURL = errors.New("blob url must end in {container}/{dateOfFlight}/{blobName}")
	// ErrInvalidContainer is returned when the container is not {location}-{season}...
	ErrInvalidContainer = errors.New("container name must be {location}-{season}")
)

var validate = validator.New()

// Kind is the routing decision for an event
type Kind int

const (
	KindUnrecognized Kind = iota
	KindSubscriptionValidation
	KindBlobCreated
)

func (k Kind) String() string {
	switch k {
	case KindSubscriptionValidation:
		return "subscription_validation"
	case KindBlobCreated:
		return "blob_created"
	default:
		return "unrecognized"
	}
}

// Envelope is a single Event Grid event record
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	EventTime string          `json:"eventTime"`
	Data      json.RawMessage `json:"data"`
}

type validationData struct {
	ValidationCode string `json:"validationCode" validate:"required"`
}

type blobCreatedData struct {
	API         string `json:"api"`
	ContentType string `json:"contentType"`
	URL         string `json:"url" validate:"required,url"`
}

// ValidationResponse is the handshake body Event Grid expects back
type ValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// FlightBlob identifies an uploaded flight image
type FlightBlob struct {
	URL          string
	Container    string
	DateOfFlight string
	BlobName     string
	Location     string
	Season       string
}

// BlobPath is the path of the image inside its container
func (f *FlightBlob) BlobPath() string {
	return f.DateOfFlight + "/" + f.BlobName
}

// Parse decodes an Event Grid delivery. Event Grid always posts an array.
func Parse(body []byte) ([]Envelope, error) {
	var events []Envelope
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(events) == 0 {
		return nil, ErrEmptyPayload
	}
	return events, nil
}

// Classify decides how an event is routed
func Classify(e Envelope) Kind {
	switch e.EventType {
	case TypeSubscriptionValidation:
		return KindSubscriptionValidation
	case TypeBlobCreated:
		return KindBlobCreated
	default:
		return KindUnrecognized
	}
}

// Validate builds the handshake response from a subscription validation event
func Validate(e Envelope) (*ValidationResponse, error) {
	var data validationData
	if err := decodeData(e, &data); err != nil {
		return nil, err
	}
	return &ValidationResponse{ValidationResponse: data.ValidationCode}, nil
}

// ParseFlightBlob extracts the flight image coordinates from a blob created event
func ParseFlightBlob(e Envelope) (*FlightBlob, error) {
	var data blobCreatedData
	if err := decodeData(e, &data); err != nil {
		return nil, err
	}
	return ParseBlobURL(data.URL)
}

// ParseBlobURL splits .../{container}/{dateOfFlight}/{blobName} and derives location and season
// from the first two hyphen-delimited segments of the container.
func ParseBlobURL(raw string) (*FlightBlob, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlobURL, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 {
		return nil, ErrInvalidBlobURL
	}
	tail := parts[len(parts)-3:]
	for _, p := range tail {
		if p == "" {
			return nil, ErrInvalidBlobURL
		}
	}

	container := tail[0]
	segments := strings.Split(container, "-")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContainer, container)
	}

	return &FlightBlob{
		URL:          raw,
		Container:    container,
		DateOfFlight: tail[1],
		BlobName:     tail[2],
		Location:     segments[0],
		Season:       segments[1],
	}, nil
}

func decodeData(e Envelope, target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEventData)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEventData, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEventData, err)
	}
	return nil
}
