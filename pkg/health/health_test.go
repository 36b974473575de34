package health

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestCheckerRegistryStatus(t *testing.T) {
	ok := NewFuncChecker("ok", func(context.Context) error { return nil })
	broken := NewFuncChecker("broken", func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name     string
		register func(r *CheckerRegistry)
		want     Status
	}{
		{name: "all healthy", register: func(r *CheckerRegistry) { r.Register(ok) }, want: StatusHealthy},
		{name: "optional failing", register: func(r *CheckerRegistry) { r.Register(ok); r.RegisterOptional(broken) }, want: StatusDegraded},
		{name: "required failing", register: func(r *CheckerRegistry) { r.RegisterOptional(ok); r.Register(broken) }, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewCheckerRegistry()
			tt.register(r)
			h := r.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
		})
	}
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisChecker(client)
	assert.NoError(t, c.Check(context.Background()))

	mr.Close()
	assert.Error(t, c.Check(context.Background()))
}

func TestKafkaCheckerWithoutBrokers(t *testing.T) {
	assert.Error(t, NewKafkaChecker(nil).Check(context.Background()))
}
