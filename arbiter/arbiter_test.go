package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sljivkov/pricegate/domain"
)

func TestPublishTimeFresh(t *testing.T) {
	stored := &domain.FeedRecord{Current: domain.Price{Price: 100, PublishTime: 10}}

	tests := []struct {
		name        string
		current     *domain.FeedRecord
		publishTime int64
		want        bool
	}{
		{name: "no stored record", current: nil, publishTime: 0, want: true},
		{name: "newer", current: stored, publishTime: 20, want: true},
		{name: "equal", current: stored, publishTime: 10, want: false},
		{name: "older", current: stored, publishTime: 5, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PublishTime{}.Fresh(tt.current, domain.PriceObservation{PublishTime: tt.publishTime})
			assert.Equal(t, tt.want, got)
		})
	}
}
