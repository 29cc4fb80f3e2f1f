package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/servicematch/internal/eventbus"
	"github.com/example/servicematch/internal/geo"
)

func TestEventWireFormatIsFlatCamelCase(t *testing.T) {
	evt := eventbus.New(eventbus.TypeRequestAccepted, time.Unix(0, 0))
	evt.RequestID = "r1"
	evt.WorkerID = "w1"
	evt.WithdrawnWorkerIDs = []string{"w2"}

	data, err := eventbus.Encode(evt)
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"request.accepted"`)
	require.Contains(t, string(data), `"requestId":"r1"`)
	require.Contains(t, string(data), `"withdrawnWorkerIds":["w2"]`)
	require.NotContains(t, string(data), "candidateIds")
	require.Equal(t, "r1", evt.Key())
}

func TestDecodeCreatedFromIntake(t *testing.T) {
	raw := []byte(`{"type":"request.created","id":"e1","requestId":"r1","category":"delivery","originCoords":{"lat":1.5,"lng":2.5},"price":12.5}`)
	evt, err := eventbus.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, eventbus.TypeRequestCreated, evt.Type)
	require.Equal(t, &geo.Point{Lat: 1.5, Lng: 2.5}, evt.Origin)
	require.Equal(t, 12.5, evt.Price)

	_, err = eventbus.Decode([]byte(`{"requestId":"r1"}`))
	require.Error(t, err)
	_, err = eventbus.Decode([]byte(`not json`))
	require.Error(t, err)
}
