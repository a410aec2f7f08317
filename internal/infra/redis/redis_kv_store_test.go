package redis

import (
	"io"
	"log/slog"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRevision(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    int64
		wantErr bool
	}{
		{"missing key", nil, 0, false},
		{"empty string", "", 0, false},
		{"counter", "42", 42, false},
		{"not a number", "x", 0, true},
		{"unexpected type", int64(3), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRevision(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewRedisKVStore(client, "", logger).(*redisKVStore)
	data, rev := s.keys("job-assignments")
	assert.Equal(t, "dispatch:job-assignments", data)
	assert.Equal(t, "dispatch:job-assignments:rev", rev)

	s = NewRedisKVStore(client, "tenant-a:", logger).(*redisKVStore)
	data, _ = s.keys("tracked-jobs")
	assert.Equal(t, "tenant-a:tracked-jobs", data)
}
