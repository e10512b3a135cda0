package activity

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/legacyvault/legacyvault/internal/idgen"
)

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	userID := idgen.NewAt(now)
	valid := `{"u":"` + userID + `","s":"api","t":` + "1736154000000" + `}`

	tests := []struct {
		name       string
		values     map[string]interface{}
		wantReason string
	}{
		{"valid", map[string]interface{}{"payload": valid}, ""},
		{"missing payload", map[string]interface{}{}, "invalid_format"},
		{"non-string payload", map[string]interface{}{"payload": 42}, "invalid_format"},
		{"bad json", map[string]interface{}{"payload": "{"}, "unmarshal_error"},
		{"invalid user", map[string]interface{}{"payload": `{"u":"x","s":"api","t":1736154000000}`}, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hb, reason, err := decodeMessage(redis.XMessage{ID: "1-0", Values: tt.values}, now)
			require.Equal(t, tt.wantReason, reason)
			if tt.wantReason != "" {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, userID, hb.UserID)
			require.True(t, hb.Time().Equal(now))
		})
	}
}

func TestIsConsumerGroupExistsError(t *testing.T) {
	t.Parallel()

	require.True(t, isConsumerGroupExistsError(errors.New("BUSYGROUP Consumer Group name already exists")))
	require.False(t, isConsumerGroupExistsError(errors.New("ERR no such key")))
	require.False(t, isConsumerGroupExistsError(nil))
}

func TestNewConsumerIDUnique(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, NewConsumerID(), NewConsumerID())
}
