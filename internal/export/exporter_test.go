package export

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCard_FullRow(t *testing.T) {
	row := pendingRequestRow{
		ID:             "R1",
		UserPositionID: "UP1",
		Response:       "pending",
		CreatedTime:    sql.NullString{String: "2026-08-02T10:00:00.000Z", Valid: true},

		InitiatorID:            "U1",
		InitiatorDisplayName:   "Alex",
		InitiatorUsername:      "alex",
		InitiatorStatus:        "active",
		InitiatorTrustScore:    sql.NullFloat64{Float64: 0.9, Valid: true},
		InitiatorAvatarURL:     sql.NullString{String: "https://cdn/a.png", Valid: true},
		InitiatorKudosCount:    3,

		PositionID:           "P1",
		PositionStatement:    "Bike lanes on Main St",
		PositionCategoryName: sql.NullString{String: "Transport", Valid: true},
		PositionLocationCode: sql.NullString{String: "US-OH", Valid: true},
		PositionLocationName: sql.NullString{String: "Ohio", Valid: true},

		AuthorID:          "U2",
		AuthorDisplayName: "Sam",
		AuthorUsername:    "sam",
		AuthorStatus:      "active",
		AuthorKudosCount:  7,
	}

	card := buildCard(row)

	assert.Equal(t, "chat_request", card.Type)
	assert.Equal(t, "R1", card.Data.ID)
	assert.Equal(t, "UP1", card.Data.UserPositionID)
	assert.Equal(t, "pending", card.Data.Response)
	assert.Equal(t, "2026-08-02T10:00:00.000Z", card.Data.CreatedTime)

	assert.Equal(t, "Alex", card.Data.Requester.DisplayName)
	assert.Equal(t, 3, card.Data.Requester.KudosCount)
	require.NotNil(t, card.Data.Requester.TrustScore)
	assert.Equal(t, 0.9, *card.Data.Requester.TrustScore)
	require.NotNil(t, card.Data.Requester.AvatarURL)

	assert.Equal(t, "Bike lanes on Main St", card.Data.Position.Statement)
	assert.Equal(t, "Sam", card.Data.Position.Creator.DisplayName)
	require.NotNil(t, card.Data.Position.Category)
	assert.Equal(t, "Transport", card.Data.Position.Category.Label)
	require.NotNil(t, card.Data.Position.Location)
	assert.Equal(t, "US-OH", card.Data.Position.Location.Code)
	require.NotNil(t, card.Data.Position.Location.Name)
	assert.Equal(t, "Ohio", *card.Data.Position.Location.Name)
}

func TestBuildCard_SparseRow(t *testing.T) {
	card := buildCard(pendingRequestRow{
		ID:         "R1",
		Response:   "pending",
		PositionID: "P1",
	})

	assert.Nil(t, card.Data.Position.Category)
	assert.Nil(t, card.Data.Position.Location)
	assert.Nil(t, card.Data.Requester.TrustScore)
	assert.Nil(t, card.Data.Requester.AvatarURL)

	// Null profile fields serialize as null, not as empty objects
	raw, err := json.Marshal(card)
	require.NoError(t, err)
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "chat_request", card.Type)
	var data map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(decoded["data"], &data))
	var requester map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data["requester"], &requester))
	assert.Equal(t, "null", string(requester["trustScore"]))
}
