package event_test

import (
	"encoding/json"
	"testing"

	"github.com/healthy-habitat/score-regions/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		wantLen int
	}{
		{name: "single event", body: `[{"eventType":"x","data":{}}]`, wantLen: 1},
		{name: "two events", body: `[{"eventType":"a"},{"eventType":"b"}]`, wantLen: 2},
		{name: "empty array", body: `[]`, wantErr: event.ErrEmptyPayload},
		{name: "object instead of array", body: `{"eventType":"x"}`, wantErr: event.ErrMalformedPayload},
		{name: "not json", body: `hello`, wantErr: event.ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := event.Parse([]byte(tt.body))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, events, tt.wantLen)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, event.KindSubscriptionValidation, event.Classify(event.Envelope{EventType: event.TypeSubscriptionValidation}))
	assert.Equal(t, event.KindBlobCreated, event.Classify(event.Envelope{EventType: event.TypeBlobCreated}))
	assert.Equal(t, event.KindUnrecognized, event.Classify(event.Envelope{EventType: "Microsoft.Storage.BlobDeleted"}))
	assert.Equal(t, event.KindUnrecognized, event.Classify(event.Envelope{}))
}

func TestValidate_EchoesCode(t *testing.T) {
	events, err := event.Parse([]byte(`[{"eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"abc123"}}]`))
	require.NoError(t, err)

	resp, err := event.Validate(events[0])
	require.NoError(t, err)

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"validationResponse":"abc123"}`, string(body))
}

func TestValidate_MissingCode(t *testing.T) {
	_, err := event.Validate(event.Envelope{EventType: event.TypeSubscriptionValidation, Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, event.ErrInvalidEventData)

	_, err = event.Validate(event.Envelope{EventType: event.TypeSubscriptionValidation})
	assert.ErrorIs(t, err, event.ErrInvalidEventData)
}

func TestParseFlightBlob(t *testing.T) {
	e := event.Envelope{
		EventType: event.TypeBlobCreated,
		Data:      json.RawMessage(`{"api":"PutBlob","url":"https://hh.blob.core.windows.net/north-summer/2023-06-01/flight7.tif"}`),
	}

	blob, err := event.ParseFlightBlob(e)
	require.NoError(t, err)

	assert.Equal(t, "north-summer", blob.Container)
	assert.Equal(t, "2023-06-01", blob.DateOfFlight)
	assert.Equal(t, "flight7.tif", blob.BlobName)
	assert.Equal(t, "north", blob.Location)
	assert.Equal(t, "summer", blob.Season)
	assert.Equal(t, "2023-06-01/flight7.tif", blob.BlobPath())
}

func TestParseBlobURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantErr   error
		container string
		location  string
		season    string
	}{
		{
			name:      "extra container segments",
			url:       "https://hh.blob.core.windows.net/coast-winter-2024/2024-01-10/a.tif",
			container: "coast-winter-2024",
			location:  "coast",
			season:    "winter",
		},
		{
			name:      "last three segments win",
			url:       "https://hh.blob.core.windows.net/extra/north-summer/2023-06-01/a.tif",
			container: "north-summer",
			location:  "north",
			season:    "summer",
		},
		{name: "too few segments", url: "https://hh.blob.core.windows.net/north-summer/a.tif", wantErr: event.ErrInvalidBlobURL},
		{name: "no season", url: "https://hh.blob.core.windows.net/north/2023-06-01/a.tif", wantErr: event.ErrInvalidContainer},
		{name: "empty season", url: "https://hh.blob.core.windows.net/north-/2023-06-01/a.tif", wantErr: event.ErrInvalidContainer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := event.ParseBlobURL(tt.url)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.container, blob.Container)
			assert.Equal(t, tt.location, blob.Location)
			assert.Equal(t, tt.season, blob.Season)
		})
	}
}

func TestParseFlightBlob_RejectsMissingURL(t *testing.T) {
	_, err := event.ParseFlightBlob(event.Envelope{EventType: event.TypeBlobCreated, Data: json.RawMessage(`{"api":"PutBlob"}`)})
	assert.ErrorIs(t, err, event.ErrInvalidEventData)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "subscription_validation", event.KindSubscriptionValidation.String())
	assert.Equal(t, "blob_created", event.KindBlobCreated.String())
	assert.Equal(t, "unrecognized", event.KindUnrecognized.String())
}
