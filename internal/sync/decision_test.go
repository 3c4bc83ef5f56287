package sync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/peerkeep/peerkeep/internal/storage"
	syncengine "github.com/peerkeep/peerkeep/internal/sync"
	"github.com/peerkeep/peerkeep/pkg/model"
)

func doc(id string, updatedAt time.Time, data map[string]any) *storage.Document {
	return &storage.Document{
		Id:         id,
		Collection: model.Customers,
		UpdatedAt:  updatedAt,
		Data:       data,
	}
}

func TestCompare(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	skew := 100 * time.Millisecond

	tests := []struct {
		name   string
		local  *storage.Document
		remote *storage.Document
		want   syncengine.Decision
	}{
		{
			name:   "no local document",
			local:  nil,
			remote: doc("c1", t0, map[string]any{"name": "X"}),
			want:   syncengine.ApplyRemote,
		},
		{
			name:   "identical content ignoring timestamps",
			local:  doc("c1", t0, map[string]any{"name": "X"}),
			remote: doc("c1", t0.Add(5*time.Second), map[string]any{"name": "X"}),
			want:   syncengine.Ignore,
		},
		{
			name:   "remote clearly newer",
			local:  doc("c1", t0, map[string]any{"name": "old"}),
			remote: doc("c1", t0.Add(time.Second), map[string]any{"name": "new"}),
			want:   syncengine.ApplyRemote,
		},
		{
			name:   "remote clearly older",
			local:  doc("c1", t0, map[string]any{"name": "new"}),
			remote: doc("c1", t0.Add(-time.Second), map[string]any{"name": "old"}),
			want:   syncengine.KeepLocal,
		},
		{
			name:   "inside skew band with differing content",
			local:  doc("c1", t0, map[string]any{"name": "mine"}),
			remote: doc("c1", t0.Add(50*time.Millisecond), map[string]any{"name": "theirs"}),
			want:   syncengine.Conflict,
		},
		{
			name:   "equal to the millisecond with differing content",
			local:  doc("c1", t0, map[string]any{"name": "mine"}),
			remote: doc("c1", t0, map[string]any{"name": "theirs"}),
			want:   syncengine.Conflict,
		},
		{
			name:   "exactly at the skew boundary stays a conflict",
			local:  doc("c1", t0, map[string]any{"name": "mine"}),
			remote: doc("c1", t0.Add(skew), map[string]any{"name": "theirs"}),
			want:   syncengine.Conflict,
		},
		{
			name:   "one past the boundary applies remote",
			local:  doc("c1", t0, map[string]any{"name": "mine"}),
			remote: doc("c1", t0.Add(skew+time.Millisecond), map[string]any{"name": "theirs"}),
			want:   syncengine.ApplyRemote,
		},
		{
			name:   "local tombstone vs newer remote revives",
			local:  &storage.Document{Id: "c1", Collection: model.Customers, UpdatedAt: t0, Deleted: true, Data: map[string]any{"name": "X"}},
			remote: doc("c1", t0.Add(time.Second), map[string]any{"name": "X"}),
			want:   syncengine.ApplyRemote,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, syncengine.Compare(tt.local, tt.remote, skew))
		})
	}
}

func TestCompare_KeyOrderIrrelevant(t *testing.T) {
	t0 := time.Now()
	local := doc("c1", t0, map[string]any{"a": 1.0, "b": 2.0, "nested": map[string]any{"x": "y"}})
	remote := doc("c1", t0.Add(time.Minute), map[string]any{"b": 2.0, "nested": map[string]any{"x": "y"}, "a": 1.0})
	assert.Equal(t, syncengine.Ignore, syncengine.Compare(local, remote, 0))
}
