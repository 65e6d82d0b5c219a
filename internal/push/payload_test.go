package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FlatPayload(t *testing.T) {
	n, err := Decode([]byte(`{
		"title": "New connection",
		"body": "Sam accepted your request",
		"tag": "connection-42",
		"data": {"connectionId": "42"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "New connection", n.Title)
	assert.Equal(t, "Sam accepted your request", n.Body)
	assert.Equal(t, "connection-42", n.Tag)
	assert.JSONEq(t, `{"connectionId": "42"}`, string(n.Data))
}

func TestDecode_EnvelopedPayload(t *testing.T) {
	n, err := Decode([]byte(`{
		"notification": {"title": "Party starting", "body": "Rooftop mixer in 15 min", "tag": "party-7"},
		"data": {"partyId": "7"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Party starting", n.Title)
	assert.Equal(t, "Rooftop mixer in 15 min", n.Body)
	assert.Equal(t, "party-7", n.Tag)
	assert.JSONEq(t, `{"partyId": "7"}`, string(n.Data))
}

func TestDecode_FlatFieldWinsOverEnvelope(t *testing.T) {
	n, err := Decode([]byte(`{
		"title": "outer",
		"notification": {"title": "inner"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "outer", n.Title)
}

func TestDecode_MessageFallsBackToBody(t *testing.T) {
	n, err := Decode([]byte(`{"message": "You have a new match"}`))
	require.NoError(t, err)
	assert.Empty(t, n.Title)
	assert.Equal(t, "You have a new match", n.Body)
}

func TestDecode_BodyOnlyIsValid(t *testing.T) {
	n, err := Decode([]byte(`{"body": "ping"}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", n.Body)
}

func TestDecode_NonStringFieldsIgnored(t *testing.T) {
	// A numeric title is not a title.
	n, err := Decode([]byte(`{"title": 42, "body": "fallback"}`))
	require.NoError(t, err)
	assert.Empty(t, n.Title)
	assert.Equal(t, "fallback", n.Body)
}

func TestDecode_RejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"title": "broken`))
	require.Error(t, err)
}

func TestDecode_RejectsEmptyNotification(t *testing.T) {
	_, err := Decode([]byte(`{"data": {"silent": true}}`))
	require.Error(t, err)
}

func TestDecode_NoDataLeavesNil(t *testing.T) {
	n, err := Decode([]byte(`{"title": "hi"}`))
	require.NoError(t, err)
	assert.Nil(t, n.Data)
}
