package enrichment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMongoDBFilter(t *testing.T) {
	p := NewMongoDBProvider(nil, "inventory")
	tests := []struct {
		name string
		src  Source
		want bson.M
	}{
		{name: "id", src: Source{}, want: bson.M{"_id": "dev-1"}},
		{name: "field", src: Source{Field: "serial"}, want: bson.M{"serial": "dev-1"}},
		{
			name: "query",
			src:  Source{Field: "ignored", Query: map[string]interface{}{"device": "{value}", "active": true}},
			want: bson.M{"device": "dev-1", "active": true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.filter(tt.src, "dev-1"))
		})
	}
}
