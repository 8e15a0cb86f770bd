package supervisor

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiPublisherFansOut(t *testing.T) {
	var buf bytes.Buffer
	mem := NewMemoryPublisher()
	pub := MultiPublisher{LogPublisher{Log: zerolog.New(&buf)}, nil, mem}

	pub.Publish(Event{Name: EventRestart, Instance: instance, Fields: map[string]any{"attempt": 2}})

	assert.Equal(t, []string{EventRestart}, mem.Names())
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, EventRestart, line["event"])
	assert.Equal(t, instance, line["instance"])
	assert.Equal(t, float64(2), line["attempt"])
}

func TestLogPublisherRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	LogPublisher{Log: zerolog.New(&buf).Level(zerolog.InfoLevel)}.Publish(Event{Name: EventStart})
	assert.Empty(t, buf.String())
}
