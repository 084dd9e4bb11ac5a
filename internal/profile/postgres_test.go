package profile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slofp/estella/internal/voice"
)

// Runs only against a disposable database.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("ESTELLA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ESTELLA_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	id := voice.SpeakerID(uuid.NewString())
	_, err = s.GetSpeakerProfile(ctx, id)
	assert.ErrorIs(t, err, voice.ErrProfileNotFound)

	require.NoError(t, s.IncrementEngagementCounter(ctx, id))
	require.NoError(t, s.IncrementEngagementCounter(ctx, id))
	p, err := s.GetSpeakerProfile(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.EngagementCounter)

	require.NoError(t, s.SaveTalk(ctx, voice.TalkRecord{Speaker: id, SessionID: "s", Input: "in", Output: "out"}))
}
